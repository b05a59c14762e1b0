//go:build !windows

package updates

import (
	"context"
	"errors"
)

// Pending is only answerable by the Windows Update agent.
func Pending(ctx context.Context) ([]Update, error) {
	return nil, errors.New("update scans are only available on windows")
}
