package handles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

// maxOutputSize caps captured output; a system-wide handle listing can be
// enormous.
const maxOutputSize = 1024 * 1024

// run invokes the handle binary with args and returns its stdout. Non-zero
// exit with a "no matches" message is a valid empty result, not a failure.
func (t *Tool) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxOutputSize}

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s timed out after %s", t.binary, t.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if strings.Contains(stdout.String(), "No matching handles") {
				return stdout.String(), nil
			}
			return "", fmt.Errorf("%s exited %d: %s", t.binary, exitErr.ExitCode(), firstNonEmpty(strings.TrimSpace(stderr.String()), strings.TrimSpace(stdout.String())))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%s not found; install the Sysinternals Handle utility or set handle_binary", t.binary)
		}
		return "", fmt.Errorf("run %s: %w", t.binary, err)
	}

	log.Debug("binary run complete",
		"binary", t.binary,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return stdout.String(), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// limitedWriter drops everything past limit without erroring, so a chatty
// child cannot balloon memory or trip a short-write failure.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	orig := len(p)
	if w.written >= w.limit {
		return orig, nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	if err != nil {
		return n, err
	}
	return orig, nil
}
