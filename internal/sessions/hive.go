package sessions

import (
	"fmt"
	"strings"

	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/winreg"
)

var log = logging.L("sessions")

const (
	volatileEnvKey = "Volatile Environment"
	usernameValue  = "USERNAME"
)

// CollectHive walks the profile hive root and returns one UserSession per
// account hive that is currently live. Candidate keys that cannot be
// inspected are skipped; only a failure to list the root itself is an
// error, since that means the host's sessions are unknowable rather than
// absent.
func CollectHive(reader winreg.Reader, host string) ([]UserSession, error) {
	children, err := reader.ListChildren("")
	if err != nil {
		return nil, fmt.Errorf("list profile hives: %w", err)
	}

	var found []UserSession
	for _, name := range children {
		if !IsAccountSID(name) {
			continue
		}

		subkeys, err := reader.ListChildren(name)
		if err != nil {
			log.Debug("skipping unreadable hive", "sid", name, logging.KeyError, err)
			continue
		}
		if !containsFold(subkeys, volatileEnvKey) {
			continue
		}

		username, _, err := reader.ReadValue(name+`\`+volatileEnvKey, usernameValue)
		if err != nil {
			// The hive is live regardless; record the session without a name.
			log.Debug("username unreadable", "sid", name, logging.KeyError, err)
			username = ""
		}

		found = append(found, UserSession{
			Host:     host,
			SID:      name,
			Username: username,
		})
	}

	return found, nil
}

func containsFold(names []string, want string) bool {
	for _, n := range names {
		if strings.EqualFold(n, want) {
			return true
		}
	}
	return false
}
