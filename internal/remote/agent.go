package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/fleetscope/winops/internal/logging"
)

var agentLog = logging.L("agentclient")

const (
	agentHandshakeTimeout = 10 * time.Second
	agentDefaultTimeout   = 30 * time.Second
)

// AgentOptions configures the dial side of the agent protocol.
type AgentOptions struct {
	Port    int
	Token   string
	UseTLS  bool
	Timeout time.Duration
}

// AgentExecutor queries hosts running `winops agent run`. Each Query dials
// the agent's websocket endpoint, performs one exchange, and closes.
type AgentExecutor struct {
	opts AgentOptions
}

func NewAgent(opts AgentOptions) *AgentExecutor {
	if opts.Timeout <= 0 {
		opts.Timeout = agentDefaultTimeout
	}
	return &AgentExecutor{opts: opts}
}

func (e *AgentExecutor) Query(ctx context.Context, host, task string, args map[string]any) ([]byte, error) {
	scheme := "ws"
	if e.opts.UseTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(e.opts.Port)),
		Path:   "/api/v1/query",
	}

	header := http.Header{}
	if e.opts.Token != "" {
		header.Set("Authorization", "Bearer "+e.opts.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: agentHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("agent on %s rejected token: %w", host, err)
		}
		return nil, classifyTransport(host, err)
	}
	defer conn.Close()

	// Unblock reads if the caller gives up mid-exchange.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	deadline := time.Now().Add(e.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	req := QueryRequest{
		ID:   xid.New().String(),
		Task: task,
	}
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal args: %w", err)
		}
		req.Args = raw
	}

	if err := conn.WriteJSON(req); err != nil {
		return nil, e.exchangeErr(ctx, host, err)
	}

	start := time.Now()
	for {
		var queryResp QueryResponse
		if err := conn.ReadJSON(&queryResp); err != nil {
			return nil, e.exchangeErr(ctx, host, err)
		}
		if queryResp.ID != req.ID {
			continue
		}

		agentLog.Debug("query complete",
			logging.KeyHost, host,
			logging.KeyTask, task,
			logging.KeyQueryID, req.ID,
			logging.KeyDurationMs, time.Since(start).Milliseconds())

		if queryResp.Status != StatusSuccess {
			return nil, fmt.Errorf("agent on %s: %s", host, queryResp.Error)
		}
		return queryResp.Payload, nil
	}
}

// exchangeErr maps read/write failures after a successful dial. A context
// that expired means the caller's deadline won, not the transport's.
func (e *AgentExecutor) exchangeErr(ctx context.Context, host string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyTransport(host, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %v", host, ErrTimeout, err)
	}
	return fmt.Errorf("agent exchange with %s: %w", host, err)
}
