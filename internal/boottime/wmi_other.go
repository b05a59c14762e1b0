//go:build !windows

package boottime

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

func localBootTime(ctx context.Context) (time.Time, error) {
	epoch, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("local boot time: %w", err)
	}
	return time.Unix(int64(epoch), 0).UTC(), nil
}
