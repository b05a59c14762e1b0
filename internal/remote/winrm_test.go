package remote

import (
	"strings"
	"testing"
)

func TestTaskScriptSelection(t *testing.T) {
	script, err := taskScript(TaskSessions)
	if err != nil {
		t.Fatalf("taskScript(%q): %v", TaskSessions, err)
	}
	for _, needle := range []string{"HKEY_USERS", "Volatile Environment", "USERNAME", "ConvertTo-Json -Compress"} {
		if !strings.Contains(script, needle) {
			t.Errorf("sessions script missing %q", needle)
		}
	}

	script, err = taskScript(TaskBootTime)
	if err != nil {
		t.Fatalf("taskScript(%q): %v", TaskBootTime, err)
	}
	if !strings.Contains(script, "Win32_OperatingSystem") {
		t.Errorf("boot time script missing CIM class")
	}
}

func TestTaskScriptRejectsAgentOnlyTasks(t *testing.T) {
	for _, task := range []string{TaskFSSearch, TaskHandleSearch, "format_disk"} {
		if _, err := taskScript(task); err == nil {
			t.Errorf("taskScript(%q) succeeded, want error", task)
		}
	}
}

func TestSessionsScriptEmitsEmptyArrayFallback(t *testing.T) {
	// With zero matches ConvertTo-Json would emit nothing; the script must
	// substitute a literal empty array so the payload stays decodable.
	if !strings.Contains(sessionsScript, `'[]'`) {
		t.Fatal("sessions script has no empty-result fallback")
	}
}

func TestNewWinRMDefaults(t *testing.T) {
	e := NewWinRM(WinRMOptions{Username: "admin"})
	if e.opts.Port != 5985 {
		t.Fatalf("default port = %d, want 5985", e.opts.Port)
	}
	if e.opts.Timeout <= 0 {
		t.Fatalf("default timeout = %v, want positive", e.opts.Timeout)
	}
}
