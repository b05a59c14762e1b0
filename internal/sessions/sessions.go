// Package sessions discovers which user accounts are logged on across one
// or more hosts by inspecting per-user session registry hives. A hive under
// HKEY_USERS counts as a live session only while it carries a Volatile
// Environment key; merely loaded profiles do not.
package sessions

import (
	"context"
	"errors"

	"github.com/fleetscope/winops/internal/remote"
)

// UserSession is one discovered logged-on account on one host. Records are
// transient query output; duplicates across hosts are preserved.
type UserSession struct {
	Host     string `json:"host" yaml:"host"`
	SID      string `json:"sid,omitempty" yaml:"sid,omitempty"`
	Username string `json:"username" yaml:"username"`
}

// Query is the enumeration input. An empty Hosts list means the local
// machine, resolved by the caller and passed through Enumerator config.
// UsernameFilter switches the result shape: set, the result lists hosts
// where some session's username contains it case-insensitively; unset, the
// result lists every session on every host.
type Query struct {
	Hosts          []string
	UsernameFilter string
}

// ErrorKind buckets per-host failures.
type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindTimeout     ErrorKind = "timeout"
	KindQueryFailed ErrorKind = "query_failed"
	KindCancelled   ErrorKind = "cancelled"
)

// HostError is a per-host failure attached to an otherwise usable result.
type HostError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Result carries whichever of the two shapes the query selected, plus the
// failures that did not abort the rest of the fan-out.
type Result struct {
	Sessions     []UserSession        `json:"sessions,omitempty" yaml:"sessions,omitempty"`
	MatchedHosts []string             `json:"matchedHosts,omitempty" yaml:"matchedHosts,omitempty"`
	HostErrors   map[string]HostError `json:"hostErrors,omitempty" yaml:"hostErrors,omitempty"`
	Partial      bool                 `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// classify maps a per-host error onto its ErrorKind. Cancellation is
// checked before timeout so an aborted run does not masquerade as a slow
// host.
func classify(err error) HostError {
	kind := KindQueryFailed
	switch {
	case errors.Is(err, remote.ErrUnreachable):
		kind = KindUnreachable
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.Is(err, remote.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return HostError{Kind: kind, Message: err.Error()}
}
