// Package api is a small Go client for hosts running `winops agent run`.
// Automation that wants agent answers in-process, without shelling out to
// the winops binary, dials the agent here and gets the raw JSON payload
// back. Payload shapes match what `winops --output json` prints for the
// same operation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetscope/winops/internal/remote"
)

// DefaultPort matches the agent's default listen port.
const DefaultPort = 9465

// Task names the agent understands.
const (
	TaskSessions     = remote.TaskSessions
	TaskBootTime     = remote.TaskBootTime
	TaskFSSearch     = remote.TaskFSSearch
	TaskHandleSearch = remote.TaskHandleSearch
)

// Options configures a Client. The zero value targets DefaultPort over
// plain ws with no token.
type Options struct {
	Port    int
	Token   string
	UseTLS  bool
	Timeout time.Duration // per-call deadline, 30s when zero
}

// Client talks to a single agent. It keeps no connection state: every call
// dials, exchanges once, and closes.
type Client struct {
	host string
	opts Options
	exec *remote.AgentExecutor
	http *http.Client
}

// Health is the agent's self-report from its health endpoint.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	QueueDepth int               `json:"queueDepth"`
}

func NewClient(host string, opts Options) *Client {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		host: host,
		opts: opts,
		exec: remote.NewAgent(remote.AgentOptions{
			Port:    opts.Port,
			Token:   opts.Token,
			UseTLS:  opts.UseTLS,
			Timeout: opts.Timeout,
		}),
		http: &http.Client{Timeout: opts.Timeout},
	}
}

// Query runs one named task on the agent and returns its JSON payload.
func (c *Client) Query(ctx context.Context, task string, args map[string]any) (json.RawMessage, error) {
	payload, err := c.exec.Query(ctx, c.host, task, args)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// Health fetches the agent's component statuses. The report comes back even
// when the agent answers 503 for an unhealthy component; the error is
// non-nil only when the endpoint is unreachable or the body does not decode.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	scheme := "http"
	if c.opts.UseTLS {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/healthz", scheme, net.JoinHostPort(c.host, strconv.Itoa(c.opts.Port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check on %s: %w", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("health check on %s: unexpected status %d", c.host, resp.StatusCode)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &h, nil
}
