package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetscope/winops/internal/agentserve"
	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/handles"
	"github.com/fleetscope/winops/internal/health"
	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/privilege"
	"github.com/fleetscope/winops/internal/winreg"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run or inspect the winops agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve queries from other winops instances",
	Long: `Run the winops agent: a websocket endpoint that answers session,
boot-time, file-search, and handle-search queries from other winops
instances. Only read-only tasks are served; destructive operations must
be run locally.

A local status endpoint (named pipe on Windows, unix socket elsewhere)
reports the agent's health without requiring the auth token.

On Windows the agent also runs under the Service Control Manager; see
"winops agent install".`,
	Args: cobra.NoArgs,
	RunE: runAgentRun,
}

var agentPipePath string

var agentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a locally running agent",
	Args:  cobra.NoArgs,
	RunE:  runAgentStatus,
}

func init() {
	agentStatusCmd.Flags().StringVar(&agentPipePath, "pipe", agentserve.DefaultStatusPipePath, "status endpoint to query")
	agentRunCmd.Flags().StringVar(&agentPipePath, "pipe", agentserve.DefaultStatusPipePath, "status endpoint to serve")

	agentCmd.AddCommand(agentRunCmd)
	agentCmd.AddCommand(agentStatusCmd)
}

// serveAgent runs the agent until ctx is cancelled. Both the console path
// and the Windows service wrapper end up here.
func serveAgent(ctx context.Context) error {
	// Agent mode logs to the configured file so stderr stays usable for
	// service managers.
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer rw.Close()
		logging.Init(logFormat, logLevel, rw)
	}
	log := logging.L("cli")

	if cfg.Agent.AuthToken == "" {
		log.Warn("agent auth token is empty; all connections will be accepted")
	}
	if !privilege.Elevated() {
		log.Warn("not running elevated; sessions and handles of other users may be invisible")
	}

	local := localHostname()
	reader, err := winreg.NewUsersReader()
	if err != nil {
		log.Warn("local registry unavailable; session queries will fail", logging.KeyError, err)
		reader = nil
	}

	runner := agentserve.NewTaskRunner(local, reader, handles.New(cfg.HandleBinary, 0))

	auditLog := openAudit()
	defer func() {
		if auditLog != nil {
			auditLog.Close()
		}
	}()

	srv := agentserve.New(agentserve.Config{
		ListenAddr:           cfg.Agent.ListenAddr,
		AuthToken:            cfg.Agent.AuthToken,
		CertFile:             cfg.Agent.CertFile,
		KeyFile:              cfg.Agent.KeyFile,
		MaxConcurrentQueries: cfg.Agent.MaxConcurrentQueries,
		QueryQueueSize:       cfg.Agent.QueryQueueSize,
	}, runner, auditLog)

	started := time.Now().UTC()
	pipe := agentserve.NewStatusPipe(agentPipePath, func() agentserve.PipeStatus {
		return agentserve.PipeStatus{
			Host:       local,
			Version:    Version,
			PID:        os.Getpid(),
			StartedAt:  started,
			Served:     srv.Served(),
			QueueDepth: srv.QueueDepth(),
		}
	})
	srv.Health().Update("statuspipe", health.Healthy, "")
	go func() {
		if err := pipe.Listen(ctx.Done()); err != nil {
			log.Warn("status endpoint unavailable", logging.KeyError, err)
			srv.Health().Update("statuspipe", health.Unhealthy, err.Error())
		}
	}()

	auditRecord(auditLog, audit.EventAgentStart, "", map[string]any{
		"addr":    cfg.Agent.ListenAddr,
		"version": Version,
	})

	err = srv.Run(ctx)

	auditRecord(auditLog, audit.EventAgentStop, "", map[string]any{
		"addr": cfg.Agent.ListenAddr,
	})
	return err
}

type statusRow agentserve.PipeStatus

func (s statusRow) Headers() []string {
	return []string{"HOST", "VERSION", "PID", "STARTED", "UPTIME", "SERVED", "QUEUE"}
}

func (s statusRow) Rows() [][]string {
	return [][]string{{
		s.Host,
		s.Version,
		strconv.Itoa(s.PID),
		s.StartedAt.Local().Format("2006-01-02 15:04:05"),
		formatUptime(int64(time.Since(s.StartedAt).Seconds())),
		strconv.FormatInt(s.Served, 10),
		strconv.Itoa(s.QueueDepth),
	}}
}

func runAgentStatus(_ *cobra.Command, _ []string) error {
	p, err := newPrinter()
	if err != nil {
		return err
	}

	status, err := agentserve.QueryStatus(agentPipePath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("no agent reachable at %s: %w", agentPipePath, err)
	}

	return printResult(p, status, false, "", statusRow(*status))
}
