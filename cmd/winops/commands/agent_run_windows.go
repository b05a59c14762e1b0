//go:build windows

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/fleetscope/winops/internal/logging"
)

const windowsServiceName = "WinopsAgent"

func init() {
	agentCmd.AddCommand(agentInstallCmd)
	agentCmd.AddCommand(agentUninstallCmd)
}

// runAgentRun serves on the console, or under the Service Control Manager
// when the SCM started the process.
func runAgentRun(_ *cobra.Command, _ []string) error {
	isService, err := svc.IsWindowsService()
	if err == nil && isService {
		return svc.Run(windowsServiceName, &agentService{})
	}

	ctx, stop := signalContext()
	defer stop()
	return serveAgent(ctx)
}

// agentService adapts serveAgent to the SCM lifecycle: SERVICE_RUNNING once
// the listener goroutine is off, stop on SCM Stop/Shutdown.
type agentService struct{}

func (s *agentService) Execute(_ []string, requests <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- serveAgent(ctx) }()

	changes <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}
	log := logging.L("cli")
	log.Info("agent running as a windows service")

	for {
		select {
		case err := <-errCh:
			changes <- svc.Status{State: svc.StopPending}
			if err != nil {
				log.Error("agent stopped", logging.KeyError, err)
				return true, 1
			}
			return false, 0

		case cr := <-requests:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("service stop requested")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				<-errCh
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected service control request #%d", cr.Cmd))
			}
		}
	}
}

var agentInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a Windows service",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("connect to service manager (run elevated): %w", err)
		}
		defer m.Disconnect()

		// The service starts "winops agent run", carrying an explicit
		// --config so it reads the same file the installer saw.
		args := []string{"agent", "run"}
		if cfgFile != "" {
			args = append(args, "--config", cfgFile)
		}

		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:  "winops agent",
			Description:  "Answers winops fleet queries on this host",
			StartType:    mgr.StartAutomatic,
			ErrorControl: mgr.ErrorNormal,
		}, args...)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}
		defer s.Close()

		// Restart on the first three failures, reset the count daily.
		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: recovery actions not set: %v\n", err)
		}

		fmt.Printf("Service %q installed.\n", windowsServiceName)
		return nil
	},
}

var agentUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the agent Windows service",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("connect to service manager (run elevated): %w", err)
		}
		defer m.Disconnect()

		s, err := m.OpenService(windowsServiceName)
		if err != nil {
			return fmt.Errorf("open service: %w", err)
		}
		defer s.Close()

		status, err := s.Query()
		if err == nil && status.State != svc.Stopped {
			_, _ = s.Control(svc.Stop)
			deadline := time.Now().Add(15 * time.Second)
			for time.Now().Before(deadline) {
				st, qErr := s.Query()
				if qErr != nil || st.State == svc.Stopped {
					break
				}
				time.Sleep(500 * time.Millisecond)
			}
		}

		if err := s.Delete(); err != nil {
			return fmt.Errorf("delete service: %w", err)
		}

		fmt.Printf("Service %q removed.\n", windowsServiceName)
		return nil
	},
}
