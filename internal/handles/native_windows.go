//go:build windows

package handles

import (
	"fmt"
	"strings"
	"time"

	handle "github.com/Codehardt/go-handle"
	"github.com/shirou/gopsutil/v3/process"
)

// The system handle table snapshot needs room for every handle on the box.
const nativeQueryBuffer = 6 * 1024 * 1024

// NativeSearch enumerates file handles straight from the NT handle table,
// for machines without the Sysinternals utility installed. Only file
// handles are typed well enough to resolve a path, so that is all it
// reports.
func NativeSearch(pattern string, timeout time.Duration) ([]Entry, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	buf := make([]byte, nativeQueryBuffer)
	found, err := handle.QueryHandles(buf, nil, []handle.HandleType{handle.HandleTypeFile}, timeout)
	if err != nil {
		return nil, fmt.Errorf("query handle table: %w", err)
	}

	needle := strings.ToLower(pattern)
	names := make(map[int32]string)
	owners := make(map[int32]string)

	var entries []Entry
	for _, h := range found {
		fh, ok := h.(*handle.FileHandle)
		if !ok {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(fh.Name()), needle) {
			continue
		}

		pid := int32(fh.Process())
		if _, seen := names[pid]; !seen {
			names[pid], owners[pid] = processIdentity(pid)
		}

		entries = append(entries, Entry{
			PID:      pid,
			Process:  names[pid],
			Owner:    owners[pid],
			Type:     "File",
			HandleID: fmt.Sprintf("%X", fh.Handle()),
			Path:     fh.Name(),
		})
	}

	log.Debug("native handle search complete", "pattern", pattern, "matches", len(entries))
	return entries, nil
}

// processIdentity resolves pid to a name and owner. Processes die between
// the snapshot and this lookup, so failures just leave the fields blank.
func processIdentity(pid int32) (name, owner string) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", ""
	}
	name, _ = p.Name()
	owner, _ = p.Username()
	return name, owner
}
