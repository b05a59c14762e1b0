package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/output"
	"github.com/fleetscope/winops/internal/sessions"
	"github.com/fleetscope/winops/internal/winreg"
)

var sessionsTimeout time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions [username-filter]",
	Short: "Discover logged-on users across hosts",
	Long: `Discover which user accounts are logged on by inspecting per-user
session hives under HKEY_USERS. A profile counts as a live session only
while its Volatile Environment key exists.

Without a filter, every session on every host is listed. With a filter,
the output is instead the hosts where some session's username contains
the filter, matched case-insensitively.

Examples:
  # Who is logged on locally?
  winops sessions

  # Everyone on three hosts, as JSON
  winops sessions -H ws01,ws02,fs01 -o json

  # Which hosts is jsmith logged on to?
  winops sessions jsmith -H ws01,ws02,fs01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().DurationVar(&sessionsTimeout, "timeout", 0, "overall deadline for the whole fan-out (0 = none)")
}

type sessionRows []sessions.UserSession

func (r sessionRows) Headers() []string {
	return []string{"HOST", "USERNAME", "SID"}
}

func (r sessionRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, s := range r {
		rows = append(rows, []string{s.Host, s.Username, s.SID})
	}
	return rows
}

type hostRows []string

func (r hostRows) Headers() []string {
	return []string{"HOST"}
}

func (r hostRows) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, h := range r {
		rows = append(rows, []string{h})
	}
	return rows
}

func runSessions(_ *cobra.Command, args []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	filter := ""
	if len(args) == 1 {
		filter = args[0]
	}

	ctx, stop := signalContext()
	defer stop()
	if sessionsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sessionsTimeout)
		defer cancel()
	}

	exec, err := buildExecutor()
	if err != nil {
		return err
	}

	local := localHostname()
	reader, err := winreg.NewUsersReader()
	if err != nil {
		// Local queries will fail per host with this reason; remote
		// hosts are unaffected.
		logging.L("cli").Debug("local registry unavailable", logging.KeyError, err)
		reader = nil
	}

	enum := sessions.New(
		sessions.NewRoutedSource(local, reader, exec),
		sessions.Config{
			LocalHost:   local,
			Concurrency: cfg.Concurrency,
			HostTimeout: hostTimeout(),
		},
	)

	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	hosts := queryHosts()
	res, err := enum.Enumerate(ctx, sessions.Query{Hosts: hosts, UsernameFilter: filter})
	if err != nil {
		return err
	}

	auditRecord(auditLog, audit.EventSessionQuery, xid.New().String(), map[string]any{
		"requestedHosts": len(hosts),
		"filtered":       filter != "",
		"sessions":       len(res.Sessions),
		"matchedHosts":   len(res.MatchedHosts),
		"failedHosts":    len(res.HostErrors),
		"partial":        res.Partial,
	})

	warnHostErrors(p, res.HostErrors)
	if res.Partial {
		p.Warning("results are partial: interrupted before every host answered")
	}

	if filter != "" {
		return printResult(p, res,
			len(res.MatchedHosts) == 0, "No hosts with matching sessions.",
			hostRows(res.MatchedHosts))
	}
	return printResult(p, res,
		len(res.Sessions) == 0, "No sessions found.",
		sessionRows(res.Sessions))
}

// warnHostErrors reports per-host failures on the diagnostic stream in a
// stable order.
func warnHostErrors(p *output.Printer, errs map[string]sessions.HostError) {
	hosts := make([]string, 0, len(errs))
	for h := range errs {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		e := errs[h]
		msg := strings.TrimPrefix(e.Message, h+": ")
		p.Warning(fmt.Sprintf("%s [%s]: %s", h, e.Kind, msg))
	}
}
