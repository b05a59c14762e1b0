// Package remote dispatches named queries to other hosts. Two transports
// implement the same contract: agentless WinRM and the winops agent
// protocol. Results come back as JSON payloads attributable to the host
// that produced them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Task names understood by every transport.
const (
	TaskSessions     = "sessions"
	TaskBootTime     = "boot_time"
	TaskFSSearch     = "fs_search"
	TaskHandleSearch = "handle_search"
)

var (
	// ErrUnreachable marks hosts that could not be contacted at all.
	ErrUnreachable = errors.New("host unreachable")
	// ErrTimeout marks queries that reached the host but ran out of time.
	ErrTimeout = errors.New("remote query timed out")
)

// Executor runs a named query on a host and returns the task's JSON payload.
// Implementations wrap ErrUnreachable when the host cannot be contacted and
// ErrTimeout when execution exceeds its deadline, so callers can tell the
// two apart across the fan-out boundary.
type Executor interface {
	Query(ctx context.Context, host, task string, args map[string]any) ([]byte, error)
}

// IsLocal reports whether host names the local machine. Comparison is
// case-insensitive and tolerates FQDN vs short-name mismatches.
func IsLocal(host, localHost string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return true
	}
	if strings.EqualFold(host, "localhost") || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if strings.EqualFold(host, localHost) {
		return true
	}
	if localHost == "" {
		return false
	}
	return strings.EqualFold(shortName(host), shortName(localHost))
}

func shortName(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// classifyTransport maps transport-level failures onto the sentinel errors
// so the fan-out layer can bucket them per host. Timeouts are checked before
// reachability because url.Error wraps both.
func classifyTransport(host string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", host, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", host, ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", host, ErrTimeout, err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	var urlErr *url.Error
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %v", host, ErrUnreachable, err)
	}

	return fmt.Errorf("%s: %w", host, err)
}
