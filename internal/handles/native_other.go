//go:build !windows

package handles

import (
	"errors"
	"time"
)

func NativeSearch(pattern string, timeout time.Duration) ([]Entry, error) {
	return nil, errors.New("native handle enumeration is only available on windows")
}
