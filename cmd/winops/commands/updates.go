package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/updates"
)

var updatesTimeout time.Duration

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "List Windows updates pending installation",
	Long: `List updates the local Windows Update agent reports as not yet
installed, most severe first. The scan is read-only: winops never
downloads or installs anything.

A first scan after a long gap can take several minutes while the update
agent refreshes its catalog.

Examples:
  winops updates
  winops updates --timeout 5m -o json`,
	Args: cobra.NoArgs,
	RunE: runUpdates,
}

func init() {
	updatesCmd.Flags().DurationVar(&updatesTimeout, "timeout", 0, "give up waiting for the update agent after this long (0 = wait)")
}

type updateRows []updates.Update

func (r updateRows) Headers() []string {
	return []string{"KB", "SEVERITY", "CATEGORY", "SIZE", "DOWNLOADED", "TITLE"}
}

func (r updateRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, u := range r {
		kb := u.KB
		if kb == "" {
			kb = "-"
		}
		downloaded := "no"
		if u.Downloaded {
			downloaded = "yes"
		}
		rows = append(rows, []string{
			kb,
			u.Severity,
			u.Category,
			formatBytes(u.SizeBytes),
			downloaded,
			u.Title,
		})
	}
	return rows
}

func runUpdates(_ *cobra.Command, _ []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	if updatesTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, updatesTimeout)
		defer cancel()
	}

	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	pending, err := updates.Pending(ctx)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if pending == nil {
		pending = []updates.Update{}
	}

	auditRecord(auditLog, audit.EventUpdateScan, xid.New().String(), map[string]any{
		"pending": len(pending),
	})

	rebootCount := 0
	for _, u := range pending {
		if u.RebootRequired {
			rebootCount++
		}
	}
	if rebootCount > 0 {
		p.Warning(fmt.Sprintf("%d of %d pending updates will require a reboot", rebootCount, len(pending)))
	}

	return printResult(p, pending,
		len(pending) == 0, "No updates pending.",
		updateRows(pending))
}
