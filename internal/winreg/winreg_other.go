//go:build !windows

package winreg

// NewUsersReader is only available on Windows; other platforms query
// sessions remotely or through an agent.
func NewUsersReader() (Reader, error) {
	return nil, ErrUnsupported
}
