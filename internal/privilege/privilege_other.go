//go:build !windows

package privilege

import "os"

// Elevated reports whether the process runs as root.
func Elevated() bool {
	return os.Getuid() == 0
}
