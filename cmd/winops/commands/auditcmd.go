package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/output"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Work with the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the audit log's hash chain",
	Long: `Walk the audit log and recompute its hash chain. Any edited,
removed, or reordered entry breaks the chain and is reported with its
line number. Without an argument the configured audit file is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(_ *cobra.Command, args []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	path := cfg.AuditFile
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no audit file configured or given")
	}

	entries, err := audit.Verify(path)
	if err != nil {
		return fmt.Errorf("audit verification failed: %w", err)
	}

	if p.Format() != output.FormatTable {
		return p.Print(map[string]any{"file": path, "entries": entries, "intact": true})
	}
	p.Success(fmt.Sprintf("audit chain intact: %d entries in %s", entries, path))
	return nil
}
