package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/config"
	"github.com/fleetscope/winops/internal/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the winops configuration file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	target := cfgFile
	if target == "" {
		target = config.DefaultPath()
	}
	if !configForce {
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", target)
		}
	}

	if err := config.SaveTo(config.Default(), cfgFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	auditLog := openAudit()
	if auditLog != nil {
		defer auditLog.Close()
	}
	auditRecord(auditLog, audit.EventConfigChange, "", map[string]any{"action": "init"})

	p.Success(fmt.Sprintf("configuration written to %s", target))
	return nil
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	shown := *cfg
	if shown.WinRM.Password != "" {
		shown.WinRM.Password = "[redacted]"
	}
	if shown.Agent.AuthToken != "" {
		shown.Agent.AuthToken = "[redacted]"
	}

	// Table format is meaningless for nested config; YAML reads best.
	if p.Format() == output.FormatTable {
		return output.PrintYAML(p.Writer(), shown)
	}
	return p.Print(shown)
}
