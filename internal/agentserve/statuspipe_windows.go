//go:build windows

package agentserve

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM gets full control, Interactive Users get read/write.
// Service accounts, batch jobs, and network logons cannot open the pipe.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GRGW;;;IU)"

// DefaultStatusPipePath is where `winops agent status` looks first.
const DefaultStatusPipePath = `\\.\pipe\winops-agent`

func (p *StatusPipe) setupListener() error {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    4 * 1024,
		OutputBufferSize:   4 * 1024,
	}

	listener, err := winio.ListenPipe(p.path, cfg)
	if err != nil {
		return err
	}
	p.listener = listener
	return nil
}

// Named pipes vanish with their listener; nothing to remove.
func (p *StatusPipe) cleanup() {}

func dialStatus(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}
