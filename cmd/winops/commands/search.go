package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/fsearch"
	"github.com/fleetscope/winops/internal/remote"
)

var (
	searchRoot       string
	searchKind       string
	searchMaxResults int
	searchMaxDepth   int
	searchTimeout    time.Duration
	searchHost       string
)

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Find files and directories by name",
	Long: `Recursively search a directory tree for entries whose name matches
the pattern. Patterns with glob metacharacters (* ? [) use glob matching;
plain patterns match as a case-insensitive substring. Symlinks are never
followed.

With --host, the search runs on that machine through its winops agent.

Examples:
  winops search "*.log" --root C:\ProgramData
  winops search hosts --root C:\Windows\System32 --kind files
  winops search "*.pst" --root D:\ --host fs01 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchRoot, "root", ".", "directory to search from")
	searchCmd.Flags().StringVar(&searchKind, "kind", "all", "entry kind to report (all, files, dirs)")
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 0, "stop after this many matches (0 = default cap)")
	searchCmd.Flags().IntVar(&searchMaxDepth, "max-depth", 0, "descend at most this many levels (0 = default cap)")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", 0, "search deadline (0 = default)")
	searchCmd.Flags().StringVar(&searchHost, "host", "", "run the search on a remote host's agent")
}

type matchRows []fsearch.Match

func (r matchRows) Headers() []string {
	return []string{"PATH", "TYPE", "SIZE", "MODIFIED"}
}

func (r matchRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, m := range r {
		kind := "file"
		size := formatBytes(m.SizeBytes)
		if m.Dir {
			kind = "dir"
			size = "-"
		}
		rows = append(rows, []string{
			m.Path,
			kind,
			size,
			m.ModifiedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return rows
}

func runSearch(_ *cobra.Command, args []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	local := localHostname()
	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	var result *fsearch.Result
	if searchHost != "" && !remote.IsLocal(searchHost, local) {
		result, err = remoteSearch(ctx, searchHost, args[0])
	} else {
		result, err = fsearch.Search(ctx, fsearch.Options{
			Root:       searchRoot,
			Pattern:    args[0],
			Kind:       searchKind,
			MaxResults: searchMaxResults,
			MaxDepth:   searchMaxDepth,
			Timeout:    searchTimeout,
		})
	}
	if err != nil {
		return err
	}

	auditRecord(auditLog, audit.EventFSSearch, xid.New().String(), map[string]any{
		"root":    result.Root,
		"pattern": result.Pattern,
		"host":    searchHost,
		"matches": len(result.Matches),
		"partial": result.Partial,
	})

	if result.Partial {
		p.Warning(fmt.Sprintf("search stopped early: %s", result.Reason))
	}
	if n := len(result.Errors); n > 0 {
		p.Warning(fmt.Sprintf("%d paths could not be read (see -o json for details)", n))
	}

	return printResult(p, result,
		len(result.Matches) == 0, "No matches.",
		matchRows(result.Matches))
}

// remoteSearch ships the search to a host's agent and decodes its result.
func remoteSearch(ctx context.Context, host, pattern string) (*fsearch.Result, error) {
	exec, err := buildExecutor()
	if err != nil {
		return nil, err
	}

	fnArgs := map[string]any{
		"root":       searchRoot,
		"pattern":    pattern,
		"kind":       searchKind,
		"maxResults": searchMaxResults,
		"maxDepth":   searchMaxDepth,
	}
	if searchTimeout > 0 {
		fnArgs["timeoutSeconds"] = int(searchTimeout.Seconds())
	}

	payload, err := exec.Query(ctx, host, remote.TaskFSSearch, fnArgs)
	if err != nil {
		return nil, err
	}

	var result fsearch.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode search result from %s: %w", host, err)
	}
	return &result, nil
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
