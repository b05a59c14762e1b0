// Package agentserve implements the listening side of the agent query
// protocol. Authenticated websocket clients send QueryRequests; a bounded
// worker pool executes the named tasks and writes one response per request
// back over the same connection.
package agentserve

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetscope/winops/internal/audit"
	"github.com/fleetscope/winops/internal/health"
	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/remote"
	"github.com/fleetscope/winops/internal/workerpool"
)

var log = logging.L("agentserve")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	drainTimeout   = 10 * time.Second
	queryTimeout   = 120 * time.Second
)

// Config holds the listen settings for `winops agent run`.
type Config struct {
	ListenAddr           string
	AuthToken            string
	CertFile             string // with KeyFile, serve TLS
	KeyFile              string
	MaxConcurrentQueries int
	QueryQueueSize       int
}

// Server owns the listener, the connection set, and the worker pool that
// caps concurrent query execution across all connections.
type Server struct {
	cfg      Config
	runner   *TaskRunner
	pool     *workerpool.Pool
	upgrader websocket.Upgrader
	audit    *audit.Logger // nil disables audit records
	health   *health.Monitor
	served   atomic.Int64

	baseCtx context.Context

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// New builds a server around runner. auditLog may be nil.
func New(cfg Config, runner *TaskRunner, auditLog *audit.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9465"
	}
	monitor := health.NewMonitor()
	monitor.Update("pool", health.Healthy, "")
	return &Server{
		cfg:    cfg,
		runner: runner,
		pool:   workerpool.New(cfg.MaxConcurrentQueries, cfg.QueryQueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		audit:   auditLog,
		health:  monitor,
		baseCtx: context.Background(),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Health exposes the component monitor so the process embedding the server
// can report sibling components, like the status pipe.
func (s *Server) Health() *health.Monitor {
	return s.health
}

// Handler returns the agent's HTTP surface: the websocket query endpoint
// and the health endpoint. Run serves it on the configured listener;
// embedders can mount it on their own instead.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then closes the listener and open
// connections and drains in-flight queries.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	useTLS := s.cfg.CertFile != "" || s.cfg.KeyFile != ""
	if useTLS {
		if s.cfg.CertFile == "" || s.cfg.KeyFile == "" {
			return errors.New("agent TLS needs both a certificate and a key file")
		}
		// Parse up front so a bad pair fails the start, not the first dial.
		if _, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile); err != nil {
			return fmt.Errorf("failed to parse TLS key pair: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent listening", "addr", s.cfg.ListenAddr, "tls", useTLS)
		s.health.Update("listener", health.Healthy, "")

		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.health.Update("listener", health.Unhealthy, err.Error())
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("agent listener: %w", err)
	case <-ctx.Done():
	}

	// The cancelled ctx would abort Shutdown immediately, so drain on a
	// fresh deadline.
	shutCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("listener shutdown", logging.KeyError, err)
	}
	s.closeConns()
	s.pool.Drain(shutCtx)
	log.Info("agent stopped")
	return nil
}

// closeConns tells every open websocket to go away. Shutdown does not cover
// them because upgraded connections are hijacked from the http.Server.
func (s *Server) closeConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			time.Now().Add(writeWait),
		)
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := s.health.Summary()
	summary["queueDepth"] = s.pool.QueueDepth()

	w.Header().Set("Content-Type", "application/json")
	if summary["status"] == string(health.Unhealthy) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(summary)
}

// QueueDepth reports the number of queries waiting for a worker.
func (s *Server) QueueDepth() int {
	return s.pool.QueueDepth()
}

// Served reports the number of queries executed since start, successful or
// not. Rejected-while-busy queries are not counted.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// handleQuery authenticates, upgrades, and serves one connection. The token
// check happens before the upgrade so rejected callers get a plain 401.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		log.Warn("rejected connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "remote", r.RemoteAddr, logging.KeyError, err)
		return
	}

	log.Debug("connection accepted", "remote", r.RemoteAddr)
	s.serveConn(conn)
}

// authorized compares the bearer token in constant time. An empty configured
// token disables authentication; `winops agent run` warns about that at
// startup.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) serveConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	connDone := make(chan struct{})
	sendChan := make(chan []byte, 256)
	go s.writePump(conn, sendChan, connDone)

	defer func() {
		close(connDone)
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeyError, err)
			}
			return
		}
		// A data frame resets the idle deadline alongside pongs.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var req remote.QueryRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Warn("unparseable request", logging.KeyError, err)
			continue
		}
		if req.ID == "" {
			log.Warn("request missing id", logging.KeyTask, req.Task)
			continue
		}

		submitted := s.pool.Submit(func() {
			s.queueResponse(sendChan, s.execute(req))
		})
		if submitted {
			s.health.Update("pool", health.Healthy, "")
		} else {
			s.health.Update("pool", health.Degraded, "query queue full")
			s.queueResponse(sendChan, remote.QueryResponse{
				ID:     req.ID,
				Status: remote.StatusError,
				Error:  "agent busy: query queue full",
			})
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sendChan chan []byte, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return

		case message := <-sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.KeyError, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// queueResponse marshals resp onto the connection's send channel without
// blocking a pool worker behind a dead peer.
func (s *Server) queueResponse(sendChan chan []byte, resp remote.QueryResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("marshal response", logging.KeyQueryID, resp.ID, logging.KeyError, err)
		return
	}
	select {
	case sendChan <- data:
	default:
		log.Warn("send channel full, dropping response", logging.KeyQueryID, resp.ID)
	}
}

// execute runs one query under the server's lifetime context and records it
// in the audit trail.
func (s *Server) execute(req remote.QueryRequest) remote.QueryResponse {
	ctx, cancel := context.WithTimeout(s.baseCtx, queryTimeout)
	defer cancel()

	start := time.Now()
	resp := s.runner.Run(ctx, req)
	s.served.Add(1)

	if s.audit != nil {
		details := map[string]any{
			"task":       req.Task,
			"status":     resp.Status,
			"durationMs": time.Since(start).Milliseconds(),
		}
		if resp.Error != "" {
			details["error"] = resp.Error
		}
		s.audit.Log(audit.EventAgentQuery, req.ID, details)
	}
	return resp
}
