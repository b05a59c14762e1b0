// Package handles finds and force-closes open file handles by driving the
// Sysinternals handle utility. Closing a handle out from under a process is
// destructive, so Close never retries and callers are expected to audit
// every call.
package handles

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

var log = logging.L("handles")

// Entry is one open handle as reported by a search.
type Entry struct {
	PID      int32  `json:"pid" yaml:"pid"`
	Process  string `json:"process" yaml:"process"`
	Owner    string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Type     string `json:"type" yaml:"type"`
	HandleID string `json:"handleId" yaml:"handleId"`
	Path     string `json:"path" yaml:"path"`
}

// Tool wraps one handle.exe binary.
type Tool struct {
	binary  string
	timeout time.Duration
}

const defaultRunTimeout = 60 * time.Second

// New returns a Tool that invokes binary for every operation. The binary is
// resolved through PATH at call time, so a bare "handle.exe" works when the
// Sysinternals suite is installed.
func New(binary string, timeout time.Duration) *Tool {
	if binary == "" {
		binary = "handle.exe"
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &Tool{binary: binary, timeout: timeout}
}

// Search lists handles whose target path contains pattern.
func (t *Tool) Search(ctx context.Context, pattern string) ([]Entry, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("empty search pattern")
	}

	out, err := t.run(ctx, "-accepteula", "-nobanner", "-u", pattern)
	if err != nil {
		return nil, err
	}

	entries := parseSearchOutput(out)
	log.Debug("handle search complete", "pattern", pattern, "matches", len(entries))
	return entries, nil
}

var hexID = regexp.MustCompile(`^[0-9A-Fa-f]+$`)

// Close force-closes one handle inside the owning process. handleID is the
// hex value a previous Search reported.
func (t *Tool) Close(ctx context.Context, pid int32, handleID string) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !hexID.MatchString(handleID) {
		return fmt.Errorf("invalid handle id %q", handleID)
	}

	out, err := t.run(ctx, "-accepteula", "-nobanner", "-c", handleID, "-p", strconv.Itoa(int(pid)), "-y")
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "error") {
		return fmt.Errorf("close handle %s in pid %d: %s", handleID, pid, strings.TrimSpace(out))
	}

	log.Info("handle closed", "pid", pid, "handleId", handleID)
	return nil
}

// CloseResult pairs one entry with the outcome of its close attempt.
type CloseResult struct {
	Entry Entry
	Err   error
}

// CloseAll force-closes every entry, continuing past failures so one stuck
// process does not leave the rest open. Results keep input order. Once ctx
// is done the remaining entries are reported with the context error instead
// of being attempted.
func (t *Tool) CloseAll(ctx context.Context, entries []Entry) []CloseResult {
	results := make([]CloseResult, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			results = append(results, CloseResult{Entry: e, Err: err})
			continue
		}
		results = append(results, CloseResult{Entry: e, Err: t.Close(ctx, e.PID, e.HandleID)})
	}
	return results
}

// handleLine matches one row of handle.exe search output. The owner column
// only appears with -u, so it is optional; process and owner names may
// contain spaces.
var handleLine = regexp.MustCompile(`^(.+?)\s+pid:\s+(\d+)\s+type:\s+(\S+)\s+(?:(.+?)\s+)?([0-9A-Fa-f]+):\s+(.+)$`)

func parseSearchOutput(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "No matching handles") {
			return nil
		}
		m := handleLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pid, err := strconv.ParseInt(m[2], 10, 32)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Process:  strings.TrimSpace(m[1]),
			PID:      int32(pid),
			Type:     m[3],
			Owner:    strings.TrimSpace(m[4]),
			HandleID: strings.ToUpper(m[5]),
			Path:     strings.TrimSpace(m[6]),
		})
	}
	return entries
}
