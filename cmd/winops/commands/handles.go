package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/handles"
	"github.com/fleetscope/winops/internal/output"
	"github.com/fleetscope/winops/internal/privilege"
	"github.com/fleetscope/winops/internal/remote"
)

var handlesCmd = &cobra.Command{
	Use:   "handles",
	Short: "Find and close open file handles",
	Long: `Find which processes hold handles to a file or directory, and close
a specific handle. Searching shells out to Sysinternals handle.exe by
default; --native uses the kernel handle table directly and needs no
external binary.`,
}

var (
	handlesNative  bool
	handlesBinary  string
	handlesHost    string
	handlesTimeout time.Duration
	handlesYes     bool
	handlesPattern string
)

var handlesSearchCmd = &cobra.Command{
	Use:   "search <path-fragment>",
	Short: "List processes holding handles matching a path fragment",
	Long: `List open handles whose target path contains the given fragment.

Examples:
  winops handles search C:\share\report.xlsx
  winops handles search report --native
  winops handles search "D:\data" --host fs01 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runHandlesSearch,
}

var handlesCloseCmd = &cobra.Command{
	Use:   "close [<pid> <handle-id>]",
	Short: "Force-close open handles",
	Long: `Force-close a single handle, identified by owning PID and
hexadecimal handle ID as printed by "winops handles search", or every
handle matching --pattern. Closing a handle out from under a process can
corrupt its state; the operation requires --yes and is always audited.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runHandlesClose,
}

func init() {
	handlesSearchCmd.Flags().BoolVar(&handlesNative, "native", false, "query the kernel handle table instead of handle.exe")
	handlesSearchCmd.Flags().StringVar(&handlesBinary, "binary", "", "path to handle.exe (default from config)")
	handlesSearchCmd.Flags().StringVar(&handlesHost, "host", "", "run the search on a remote host's agent")
	handlesSearchCmd.Flags().DurationVar(&handlesTimeout, "timeout", 0, "tool execution deadline (0 = default)")

	handlesCloseCmd.Flags().BoolVar(&handlesYes, "yes", false, "confirm closing the handle")
	handlesCloseCmd.Flags().StringVar(&handlesBinary, "binary", "", "path to handle.exe (default from config)")
	handlesCloseCmd.Flags().DurationVar(&handlesTimeout, "timeout", 0, "tool execution deadline (0 = default)")
	handlesCloseCmd.Flags().StringVar(&handlesPattern, "pattern", "", "close every handle matching this path fragment")

	handlesCmd.AddCommand(handlesSearchCmd)
	handlesCmd.AddCommand(handlesCloseCmd)
}

type handleRows []handles.Entry

func (r handleRows) Headers() []string {
	return []string{"PID", "PROCESS", "OWNER", "TYPE", "HANDLE", "PATH"}
}

func (r handleRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, e := range r {
		rows = append(rows, []string{
			strconv.FormatInt(int64(e.PID), 10),
			e.Process,
			e.Owner,
			e.Type,
			e.HandleID,
			e.Path,
		})
	}
	return rows
}

func runHandlesSearch(_ *cobra.Command, args []string) error {
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

	var entries []handles.Entry
	switch {
	case handlesHost != "" && !remote.IsLocal(handlesHost, local):
		entries, err = remoteHandleSearch(ctx, handlesHost, args[0])
	case handlesNative:
		entries, err = handles.NativeSearch(args[0], handlesTimeout)
	default:
		entries, err = handleTool().Search(ctx, args[0])
	}
	if err != nil {
		return err
	}

	auditRecord(auditLog, audit.EventHandleSearch, xid.New().String(), map[string]any{
		"pattern": args[0],
		"host":    handlesHost,
		"native":  handlesNative,
		"entries": len(entries),
	})

	return printResult(p, entries,
		len(entries) == 0, "No matching handles.",
		handleRows(entries))
}

func runHandlesClose(_ *cobra.Command, args []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	if handlesPattern == "" && len(args) != 2 {
		return errors.New("need <pid> <handle-id>, or --pattern to close every match")
	}
	if handlesPattern != "" && len(args) != 0 {
		return errors.New("--pattern takes no positional arguments")
	}
	if !handlesYes {
		return errors.New("refusing to close handles without --yes")
	}
	if !privilege.Elevated() {
		p.Warning("winops is not elevated; closing handles in other processes will likely fail")
	}

	ctx, stop := signalContext()
	defer stop()

	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	if handlesPattern != "" {
		return closeMatching(ctx, p, auditLog)
	}

	pid64, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || pid64 <= 0 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	handleID := args[1]

	// The intent is recorded before the attempt so a crash mid-close still
	// leaves a trace.
	auditRecord(auditLog, audit.EventHandleClose, xid.New().String(), map[string]any{
		"pid":    pid64,
		"handle": handleID,
	})

	if err := handleTool().Close(ctx, int32(pid64), handleID); err != nil {
		return fmt.Errorf("close handle %s in pid %d: %w", handleID, pid64, err)
	}

	p.Success(fmt.Sprintf("closed handle %s in pid %d", handleID, pid64))
	return nil
}

type closeOutcome struct {
	PID      int32  `json:"pid" yaml:"pid"`
	Process  string `json:"process" yaml:"process"`
	HandleID string `json:"handleId" yaml:"handleId"`
	Path     string `json:"path" yaml:"path"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

type closeRows []closeOutcome

func (r closeRows) Headers() []string {
	return []string{"PID", "PROCESS", "HANDLE", "PATH", "RESULT"}
}

func (r closeRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, o := range r {
		result := "closed"
		if o.Error != "" {
			result = o.Error
		}
		rows = append(rows, []string{
			strconv.FormatInt(int64(o.PID), 10),
			o.Process,
			o.HandleID,
			o.Path,
			result,
		})
	}
	return rows
}

// closeMatching searches for the pattern, then closes every reported
// handle, reporting the outcome per entry.
func closeMatching(ctx context.Context, p *output.Printer, auditLog *audit.Logger) error {
	tool := handleTool()
	entries, err := tool.Search(ctx, handlesPattern)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return printResult(p, []closeOutcome{}, true, "No matching handles.", closeRows(nil))
	}

	queryID := xid.New().String()
	for _, e := range entries {
		auditRecord(auditLog, audit.EventHandleClose, queryID, map[string]any{
			"pid":     e.PID,
			"handle":  e.HandleID,
			"path":    e.Path,
			"pattern": handlesPattern,
		})
	}

	results := tool.CloseAll(ctx, entries)
	outcomes := make([]closeOutcome, 0, len(results))
	failed := 0
	for _, r := range results {
		o := closeOutcome{
			PID:      r.Entry.PID,
			Process:  r.Entry.Process,
			HandleID: r.Entry.HandleID,
			Path:     r.Entry.Path,
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
			failed++
		}
		outcomes = append(outcomes, o)
	}

	if err := printResult(p, outcomes, false, "", closeRows(outcomes)); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d handles failed to close", failed, len(results))
	}
	p.Success(fmt.Sprintf("closed %d handles", len(results)))
	return nil
}

// handleTool builds the handle.exe wrapper from flags and config.
func handleTool() *handles.Tool {
	binary := handlesBinary
	if binary == "" {
		binary = cfg.HandleBinary
	}
	return handles.New(binary, handlesTimeout)
}

func remoteHandleSearch(ctx context.Context, host, pattern string) ([]handles.Entry, error) {
	exec, err := buildExecutor()
	if err != nil {
		return nil, err
	}

	payload, err := exec.Query(ctx, host, remote.TaskHandleSearch, map[string]any{
		"pattern": pattern,
		"native":  handlesNative,
	})
	if err != nil {
		return nil, err
	}

	var entries []handles.Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode handle entries from %s: %w", host, err)
	}
	return entries, nil
}
