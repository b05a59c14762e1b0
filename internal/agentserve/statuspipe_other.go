//go:build !windows

package agentserve

import (
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultStatusPipePath is where `winops agent status` looks first.
const DefaultStatusPipePath = "/var/run/winops/agent.sock"

func (p *StatusPipe) setupListener() error {
	// Remove stale socket file from a previous run.
	os.Remove(p.path)

	if err := os.MkdirAll(filepath.Dir(p.path), 0770); err != nil {
		return err
	}

	listener, err := net.Listen("unix", p.path)
	if err != nil {
		return err
	}

	if err := os.Chmod(p.path, 0770); err != nil {
		listener.Close()
		return err
	}

	p.listener = listener
	return nil
}

func (p *StatusPipe) cleanup() {
	os.Remove(p.path)
}

func dialStatus(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}
