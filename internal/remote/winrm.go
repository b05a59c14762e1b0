package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/fleetscope/winops/internal/logging"
)

var winrmLog = logging.L("winrm")

// WinRMOptions configures the agentless transport.
type WinRMOptions struct {
	Port          int
	Username      string
	Password      string
	UseHTTPS      bool
	SkipTLSVerify bool
	Timeout       time.Duration
}

// WinRMExecutor ships a PowerShell snippet per task and decodes its stdout
// as the query payload. Only read-only tasks are supported over this
// transport; anything else needs an agent on the target.
type WinRMExecutor struct {
	opts WinRMOptions
}

func NewWinRM(opts WinRMOptions) *WinRMExecutor {
	if opts.Port == 0 {
		opts.Port = 5985
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &WinRMExecutor{opts: opts}
}

func (e *WinRMExecutor) Query(ctx context.Context, host, task string, args map[string]any) ([]byte, error) {
	script, err := taskScript(task)
	if err != nil {
		return nil, err
	}

	endpoint := winrm.NewEndpoint(host, e.opts.Port, e.opts.UseHTTPS, e.opts.SkipTLSVerify, nil, nil, nil, e.opts.Timeout)
	client, err := winrm.NewClient(endpoint, e.opts.Username, e.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("winrm client for %s: %w", host, err)
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	exitCode, err := client.RunWithContext(ctx, winrm.Powershell(script), &stdout, &stderr)
	if err != nil {
		return nil, classifyTransport(host, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("remote script on %s exited %d: %s", host, exitCode, strings.TrimSpace(stderr.String()))
	}

	winrmLog.Debug("query complete",
		logging.KeyHost, host,
		logging.KeyTask, task,
		logging.KeyDurationMs, time.Since(start).Milliseconds())

	return bytes.TrimSpace(stdout.Bytes()), nil
}

// taskScript returns the PowerShell body for a task. Scripts emit exactly
// one line of compact JSON on stdout.
func taskScript(task string) (string, error) {
	switch task {
	case TaskSessions:
		return sessionsScript, nil
	case TaskBootTime:
		return bootTimeScript, nil
	default:
		return "", fmt.Errorf("task %q is not supported over winrm", task)
	}
}

// sessionsScript walks HKEY_USERS for account-shaped SIDs whose hive carries
// a Volatile Environment key, mirroring the local registry walk.
var sessionsScript = strings.Join([]string{
	`$ErrorActionPreference = 'SilentlyContinue'`,
	`$rows = @()`,
	`Get-ChildItem -Path Registry::HKEY_USERS | ForEach-Object {`,
	`  $sid = $_.PSChildName`,
	`  if ($sid -match '^S-\d-\d+-\d+-\d+-\d+-\d+-\d+$') {`,
	`    $ve = "Registry::HKEY_USERS\$sid\Volatile Environment"`,
	`    if (Test-Path -Path $ve) {`,
	`      $u = (Get-ItemProperty -Path $ve -Name USERNAME -ErrorAction SilentlyContinue).USERNAME`,
	`      $rows += [pscustomobject]@{ sid = $sid; username = [string]$u }`,
	`    }`,
	`  }`,
	`}`,
	`if ($rows.Count -eq 0) { '[]' } else { $rows | ConvertTo-Json -Compress }`,
}, "\n")

var bootTimeScript = strings.Join([]string{
	`$os = Get-CimInstance -ClassName Win32_OperatingSystem`,
	`$epoch = [DateTimeOffset]::new($os.LastBootUpTime).ToUnixTimeSeconds()`,
	`@{ bootEpoch = $epoch } | ConvertTo-Json -Compress`,
}, "\n")
