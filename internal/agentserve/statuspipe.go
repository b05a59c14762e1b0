package agentserve

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fleetscope/winops/internal/logging"
)

// PipeStatus is the snapshot served to local operators over the agent's
// status endpoint. It rides a named pipe on Windows and a unix socket
// elsewhere, so no network listener or token is involved.
type PipeStatus struct {
	Host       string    `json:"host"`
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	Served     int64     `json:"served"`
	QueueDepth int       `json:"queueDepth"`
}

// StatusPipe answers each local connection with one JSON snapshot and
// closes. The provider is called per connection so the snapshot is current.
type StatusPipe struct {
	path     string
	provider func() PipeStatus

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewStatusPipe(path string, provider func() PipeStatus) *StatusPipe {
	return &StatusPipe{path: path, provider: provider}
}

// Listen blocks until stopChan closes.
func (p *StatusPipe) Listen(stopChan <-chan struct{}) error {
	if err := p.setupListener(); err != nil {
		return fmt.Errorf("status pipe %s: %w", p.path, err)
	}
	log.Info("status pipe listening", "path", p.path)

	go func() {
		for {
			conn, err := p.listener.Accept()
			if err != nil {
				p.mu.Lock()
				closed := p.closed
				p.mu.Unlock()
				if closed {
					return
				}
				log.Warn("status pipe accept", logging.KeyError, err)
				continue
			}
			go p.serveConn(conn)
		}
	}()

	<-stopChan
	p.Close()
	return nil
}

// Close is safe to call more than once.
func (p *StatusPipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.listener != nil {
		p.listener.Close()
	}
	p.cleanup()
}

func (p *StatusPipe) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(conn).Encode(p.provider()); err != nil {
		log.Warn("status pipe write", logging.KeyError, err)
	}
}

// QueryStatus dials a running agent's status endpoint and reads one
// snapshot. It is the client half of StatusPipe.
func QueryStatus(path string, timeout time.Duration) (*PipeStatus, error) {
	conn, err := dialStatus(path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial status pipe %s: %w", path, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	var status PipeStatus
	if err := json.NewDecoder(conn).Decode(&status); err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	return &status, nil
}
