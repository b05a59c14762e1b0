package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/boottime"
)

var boottimeTimeout time.Duration

var boottimeCmd = &cobra.Command{
	Use:   "boottime",
	Short: "Report when hosts last booted",
	Long: `Report each host's last boot time and derived uptime. The local
answer comes from the OS; remote answers ride the configured transport.

Examples:
  winops boottime
  winops boottime -H ws01,ws02 -o json`,
	Args: cobra.NoArgs,
	RunE: runBoottime,
}

func init() {
	boottimeCmd.Flags().DurationVar(&boottimeTimeout, "timeout", 0, "overall deadline for the whole fan-out (0 = none)")
}

type bootRows []boottime.Report

func (r bootRows) Headers() []string {
	return []string{"HOST", "BOOT TIME", "UPTIME"}
}

func (r bootRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, rep := range r {
		rows = append(rows, []string{
			rep.Host,
			rep.BootTime.Local().Format("2006-01-02 15:04:05"),
			formatUptime(rep.UptimeSeconds),
		})
	}
	return rows
}

// bootOutput is the structured-format shape: reports plus per-host failures.
type bootOutput struct {
	Reports []boottime.Report `json:"reports" yaml:"reports"`
	Errors  map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func runBoottime(_ *cobra.Command, _ []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	if boottimeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, boottimeTimeout)
		defer cancel()
	}

	exec, err := buildExecutor()
	if err != nil {
		return err
	}

	local := localHostname()
	hosts := queryHosts()
	if len(hosts) == 0 {
		hosts = []string{local}
	}

	collector := boottime.NewCollector(
		boottime.NewRoutedSource(local, exec),
		cfg.Concurrency,
		hostTimeout(),
	)

	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	reports, errs := collector.Collect(ctx, hosts)

	auditRecord(auditLog, audit.EventBootTimeQuery, xid.New().String(), map[string]any{
		"requestedHosts": len(hosts),
		"reports":        len(reports),
		"failedHosts":    len(errs),
	})

	failed := make([]string, 0, len(errs))
	for h := range errs {
		failed = append(failed, h)
	}
	sort.Strings(failed)
	for _, h := range failed {
		p.Warning(fmt.Sprintf("%s: %s", h, errs[h]))
	}

	return printResult(p, bootOutput{Reports: reports, Errors: errs},
		len(reports) == 0, "No boot times collected.",
		bootRows(reports))
}

// formatUptime renders seconds as "12d 3h 4m" with zero-valued leading
// units dropped.
func formatUptime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
