package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/fleetscope/winops/internal/remote"
	"github.com/fleetscope/winops/internal/winreg"
)

// Source produces the sessions visible on a single host.
type Source interface {
	Sessions(ctx context.Context, host string) ([]UserSession, error)
}

// routedSource serves the local host straight from the registry and
// delegates every other host to a remote executor.
type routedSource struct {
	localHost string
	reader    winreg.Reader // nil when the local registry is unavailable
	exec      remote.Executor
}

// NewRoutedSource builds the standard production Source. Either collaborator
// may be nil; queries that would need the missing one fail per host instead
// of at construction.
func NewRoutedSource(localHost string, reader winreg.Reader, exec remote.Executor) Source {
	return &routedSource{
		localHost: localHost,
		reader:    reader,
		exec:      exec,
	}
}

func (s *routedSource) Sessions(ctx context.Context, host string) ([]UserSession, error) {
	if remote.IsLocal(host, s.localHost) {
		if s.reader == nil {
			return nil, fmt.Errorf("local session query: %w", winreg.ErrUnsupported)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return CollectHive(s.reader, host)
	}

	if s.exec == nil {
		return nil, errors.New("no remote executor configured")
	}
	payload, err := s.exec.Query(ctx, host, remote.TaskSessions, nil)
	if err != nil {
		return nil, err
	}
	return DecodeSessions(host, payload), nil
}

// DecodeSessions parses a remote sessions payload. PowerShell's ConvertTo-Json
// collapses single-element arrays to a bare object, so both renderings are
// accepted; anything unparseable yields no records.
func DecodeSessions(host string, payload []byte) []UserSession {
	res := gjson.ParseBytes(payload)

	var out []UserSession
	appendOne := func(v gjson.Result) {
		out = append(out, UserSession{
			Host:     host,
			SID:      v.Get("sid").String(),
			Username: v.Get("username").String(),
		})
	}

	switch {
	case res.IsArray():
		res.ForEach(func(_, v gjson.Result) bool {
			appendOne(v)
			return true
		})
	case res.IsObject() && (res.Get("sid").Exists() || res.Get("username").Exists()):
		appendOne(res)
	}

	return out
}
