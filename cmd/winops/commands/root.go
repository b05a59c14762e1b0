// Package commands implements the winops CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/config"
	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/output"
	"github.com/fleetscope/winops/internal/remote"
)

var (
	// Version is injected at build time.
	Version = "dev"

	cfgFile    string
	logLevel   string
	logFormat  string
	outputFlag string
	noColor    bool
	flagHosts  []string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "winops",
	Short: "Windows fleet inspection toolkit",
	Long: `winops answers operational questions about Windows hosts: who is
logged on where, when machines last booted, which process holds a file
open, and where files hide on disk. Queries fan out concurrently over
WinRM or the winops agent.

Use "winops [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Flags win over config; config wins over built-in defaults.
		if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
			logLevel = cfg.LogLevel
		}
		if !cmd.Flags().Changed("log-format") && cfg.LogFormat != "" {
			logFormat = cfg.LogFormat
		}
		logging.Init(logFormat, logLevel, nil)
		return nil
	},
}

// Execute is called by main.main(); it wires nothing itself, init() does.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("winops %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: winops.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored diagnostics")
	rootCmd.PersistentFlags().StringSliceVarP(&flagHosts, "hosts", "H", nil, "hosts to query (default: local machine)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(boottimeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(handlesCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(updatesCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// newPrinter builds the command's output printer from the global flags.
func newPrinter() (*output.Printer, error) {
	format, err := output.ParseFormat(outputFlag)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(os.Stdout, os.Stderr, format, !noColor), nil
}

// printResult routes data to the printer: structured formats get the full
// value, the table view gets the renderer, and an empty table collapses to
// a message.
func printResult(p *output.Printer, data any, isEmpty bool, emptyMsg string, tr output.TableRenderer) error {
	if p.Format() != output.FormatTable {
		return p.Print(data)
	}
	if isEmpty {
		p.Println(emptyMsg)
		return nil
	}
	return output.PrintTable(p.Writer(), tr)
}

// signalContext is the root context for a query command: Ctrl-C aborts the
// fan-out and whatever arrived so far is still reported.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// localHostname names this machine for host routing and result rows.
func localHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// queryHosts resolves the host list: --hosts beats config, and an empty
// result means the local machine.
func queryHosts() []string {
	if len(flagHosts) > 0 {
		return flagHosts
	}
	return cfg.DefaultHosts
}

// buildExecutor constructs the remote transport named by config.
func buildExecutor() (remote.Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "winrm":
		return remote.NewWinRM(remote.WinRMOptions{
			Port:          cfg.WinRM.Port,
			Username:      cfg.WinRM.Username,
			Password:      cfg.WinRM.Password,
			UseHTTPS:      cfg.WinRM.UseHTTPS,
			SkipTLSVerify: cfg.WinRM.SkipTLSVerify,
			Timeout:       time.Duration(cfg.WinRM.TimeoutSeconds) * time.Second,
		}), nil
	case "agent":
		return remote.NewAgent(remote.AgentOptions{
			Port:    cfg.Agent.Port,
			Token:   cfg.Agent.AuthToken,
			UseTLS:  cfg.Agent.UseTLS,
			Timeout: time.Duration(cfg.HostTimeoutSeconds) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (expected winrm or agent)", cfg.Transport)
	}
}

// openAudit returns the audit logger, or nil when no audit file is
// configured. The caller owns Close.
func openAudit() *audit.Logger {
	if cfg.AuditFile == "" {
		return nil
	}
	logger, err := audit.NewLogger(cfg.AuditFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit log unavailable: %v\n", err)
		return nil
	}
	return logger
}

// auditRecord writes one event if auditing is enabled.
func auditRecord(logger *audit.Logger, event, queryID string, details map[string]any) {
	if logger == nil {
		return
	}
	logger.Log(event, queryID, details)
}

func hostTimeout() time.Duration {
	return time.Duration(cfg.HostTimeoutSeconds) * time.Second
}
