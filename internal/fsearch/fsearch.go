// Package fsearch walks a directory tree looking for names that match a
// pattern. Workers share one depth-first stack, so a slow disk area does
// not serialize the rest of the walk; deadline and result caps turn into
// partial results rather than failures.
package fsearch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

var log = logging.L("fsearch")

const (
	defaultMaxDepth   = 32
	maxMaxDepth       = 64
	defaultMaxResults = 1000
	maxMaxResults     = 100_000
	defaultTimeout    = 60 * time.Second
	defaultWorkerCap  = 8
	maxWorkers        = 32
	maxScanErrors     = 200
)

// Kinds of entry a search can ask for.
const (
	KindAll   = "all"
	KindFiles = "files"
	KindDirs  = "dirs"
)

type Options struct {
	Root       string
	Pattern    string
	Kind       string
	MaxResults int
	MaxDepth   int
	Workers    int
	Timeout    time.Duration
}

// Match is one filesystem entry whose base name matched the pattern.
type Match struct {
	Path       string    `json:"path" yaml:"path"`
	Dir        bool      `json:"dir" yaml:"dir"`
	SizeBytes  int64     `json:"sizeBytes" yaml:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt" yaml:"modifiedAt"`
}

type ScanError struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

type Result struct {
	Root        string      `json:"root" yaml:"root"`
	Pattern     string      `json:"pattern" yaml:"pattern"`
	Matches     []Match     `json:"matches" yaml:"matches"`
	DirsScanned int64       `json:"dirsScanned" yaml:"dirsScanned"`
	Partial     bool        `json:"partial,omitempty" yaml:"partial,omitempty"`
	Reason      string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Errors      []ScanError `json:"errors,omitempty" yaml:"errors,omitempty"`
	DurationMs  int64       `json:"durationMs" yaml:"durationMs"`
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.Pattern) == "" {
		return errors.New("empty search pattern")
	}
	switch o.Kind {
	case "", KindAll:
		o.Kind = KindAll
	case KindFiles, KindDirs:
	default:
		return fmt.Errorf("unknown kind %q", o.Kind)
	}
	o.MaxDepth = clampInt(orDefault(o.MaxDepth, defaultMaxDepth), 1, maxMaxDepth)
	o.MaxResults = clampInt(orDefault(o.MaxResults, defaultMaxResults), 1, maxMaxResults)
	o.Workers = clampInt(orDefault(o.Workers, clampInt(runtime.NumCPU(), 2, defaultWorkerCap)), 1, maxWorkers)
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return nil
}

type dirFrame struct {
	path  string
	depth int
}

// Search walks opts.Root and returns every entry whose name matches
// opts.Pattern. Glob metacharacters get filepath.Match semantics; a plain
// pattern matches as a case-insensitive substring. Symlinks are never
// followed.
func Search(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	cleanRoot := filepath.Clean(opts.Root)
	rootInfo, err := os.Stat(cleanRoot)
	if err != nil {
		return nil, fmt.Errorf("stat search root: %w", err)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("search root is not a directory: %s", cleanRoot)
	}

	deadline := start.Add(opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	match := newMatcher(opts.Pattern)

	dirStack := []dirFrame{{path: cleanRoot, depth: 0}}
	visited := map[string]struct{}{cleanRoot: {}}

	var (
		queueMu       sync.Mutex
		queueCond     = sync.NewCond(&queueMu)
		statsMu       sync.Mutex
		matches       []Match
		scanErrors    []ScanError
		dirsScanned   int64
		partial       bool
		reason        string
		stopping      bool
		done          bool
		activeWorkers int
	)

	notePartial := func(why string) {
		queueMu.Lock()
		partial = true
		if reason == "" {
			reason = why
		}
		queueMu.Unlock()
	}

	requestStop := func(why string) {
		queueMu.Lock()
		partial = true
		stopping = true
		if why != "" && (reason == "" || reason == "max depth reached") {
			reason = why
		}
		queueCond.Broadcast()
		queueMu.Unlock()
	}

	recordError := func(path string, err error) {
		statsMu.Lock()
		if len(scanErrors) < maxScanErrors {
			scanErrors = append(scanErrors, ScanError{Path: path, Error: err.Error()})
		}
		statsMu.Unlock()
	}

	addMatch := func(m Match) bool {
		statsMu.Lock()
		defer statsMu.Unlock()
		if len(matches) >= opts.MaxResults {
			return false
		}
		matches = append(matches, m)
		return len(matches) < opts.MaxResults
	}

	processDir := func(frame dirFrame) {
		if ctx.Err() != nil {
			requestStop("cancelled")
			return
		}
		if time.Now().After(deadline) {
			requestStop("timeout reached")
			return
		}

		entries, readErr := os.ReadDir(frame.path)
		if readErr != nil {
			recordError(frame.path, readErr)
			return
		}

		statsMu.Lock()
		dirsScanned++
		statsMu.Unlock()

		for _, entry := range entries {
			entryPath := filepath.Join(frame.path, entry.Name())

			info, infoErr := entry.Info()
			if infoErr != nil {
				recordError(entryPath, infoErr)
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 {
				continue
			}

			isDir := info.IsDir()
			if match(entry.Name()) && kindWants(opts.Kind, isDir) {
				room := addMatch(Match{
					Path:       entryPath,
					Dir:        isDir,
					SizeBytes:  fileSize(info, isDir),
					ModifiedAt: info.ModTime().UTC(),
				})
				if !room {
					requestStop("max results reached")
					return
				}
			}

			if !isDir {
				continue
			}

			childDepth := frame.depth + 1
			if childDepth > opts.MaxDepth {
				notePartial("max depth reached")
				continue
			}

			queueMu.Lock()
			if _, seen := visited[entryPath]; !seen && !stopping {
				visited[entryPath] = struct{}{}
				dirStack = append(dirStack, dirFrame{path: entryPath, depth: childDepth})
				queueCond.Signal()
			}
			queueMu.Unlock()
		}
	}

	var workers sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				queueMu.Lock()
				for len(dirStack) == 0 && !done && !stopping {
					queueCond.Wait()
				}
				if stopping || done {
					queueMu.Unlock()
					return
				}

				idx := len(dirStack) - 1
				frame := dirStack[idx]
				dirStack = dirStack[:idx]
				activeWorkers++
				queueMu.Unlock()

				processDir(frame)

				queueMu.Lock()
				activeWorkers--
				if !stopping && len(dirStack) == 0 && activeWorkers == 0 {
					done = true
				}
				queueCond.Broadcast()
				queueMu.Unlock()
			}
		}()
	}

	queueMu.Lock()
	for !done && !(stopping && activeWorkers == 0) {
		queueCond.Wait()
	}
	queueMu.Unlock()
	workers.Wait()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })

	res := &Result{
		Root:        cleanRoot,
		Pattern:     opts.Pattern,
		Matches:     matches,
		DirsScanned: dirsScanned,
		Partial:     partial,
		Reason:      reason,
		Errors:      scanErrors,
		DurationMs:  time.Since(start).Milliseconds(),
	}

	log.Debug("search complete",
		"root", cleanRoot,
		"pattern", opts.Pattern,
		"matches", len(matches),
		"dirs", dirsScanned,
		"partial", partial)
	return res, nil
}

// newMatcher compiles the pattern once. Glob metacharacters select
// filepath.Match semantics; anything else is a substring test. Both are
// case-insensitive, matching how Windows treats names.
func newMatcher(pattern string) func(string) bool {
	lowered := strings.ToLower(pattern)
	if strings.ContainsAny(pattern, "*?[") {
		return func(name string) bool {
			ok, err := filepath.Match(lowered, strings.ToLower(name))
			return err == nil && ok
		}
	}
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), lowered)
	}
}

func kindWants(kind string, isDir bool) bool {
	switch kind {
	case KindFiles:
		return !isDir
	case KindDirs:
		return isDir
	default:
		return true
	}
}

func fileSize(info os.FileInfo, isDir bool) int64 {
	if isDir {
		return 0
	}
	if s := info.Size(); s > 0 {
		return s
	}
	return 0
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
