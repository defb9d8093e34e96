package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tkreindler/BlazorChat/internal/metrics"
	"github.com/tkreindler/BlazorChat/internal/ratelimit"
	"github.com/tkreindler/BlazorChat/internal/registry"
)

// ConnectionRegistry is what the WebSocket server needs from the registry on
// top of what the relay uses.
type ConnectionRegistry interface {
	Registry
	Connect(c registry.Conn) error
	Unregister(connID string)
	IdentityOf(connID string) (uuid.UUID, bool)
}

// Config wires together the runtime dependencies for the signaling endpoint.
type Config struct {
	Registry ConnectionRegistry
	// Relay defaults to a relay over Registry sharing Logger and Metrics.
	Relay *Relay

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CheckOrigin is passed to the WebSocket upgrader. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool

	// Keepalive. The server pings every PingInterval and closes the connection
	// when nothing (pong or message) arrives for IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// SendQueueBytes bounds the per-connection outbound queue.
	SendQueueBytes int

	// Clock drives the per-connection rate limiter. Defaults to the real clock.
	Clock ratelimit.Clock
}

// Server serves GET /signal. Each WebSocket connection is one session: it is
// added to the registry on connect, removed on disconnect, and its requests
// are handed to the relay.
type Server struct {
	cfg     Config
	relay   *Relay
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	relay := cfg.Relay
	if relay == nil {
		relay = NewRelay(cfg.Registry, RelayOptions{Logger: logger, Metrics: cfg.Metrics})
	}
	return &Server{
		cfg:      cfg,
		relay:    relay,
		log:      logger,
		metrics:  cfg.Metrics,
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close asks every open session to shut down. Hijacked WebSocket connections
// are not closed by http.Server.Shutdown, so main calls this first.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.closed = true
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(sess *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *wsSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.cfg.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.cfg.PingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxMessagesPerSecond
}

func (s *Server) sendQueueBytes() int {
	if s.cfg.SendQueueBytes <= 0 {
		return 1 << 20
	}
	return s.cfg.SendQueueBytes
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		http.Error(w, "registry not configured", http.StatusInternalServerError)
		return
	}

	checkOrigin := s.cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}

	id, err := newConnID()
	if err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, "internal error")
		_ = conn.Close()
		return
	}

	limit := s.maxMessagesPerSecond()
	wss := &wsSession{
		srv:        s,
		id:         id,
		conn:       conn,
		log:        s.log.With("conn", id, "remote", r.RemoteAddr),
		out:        newOutbox(s.sendQueueBytes()),
		limiter:    ratelimit.NewLimiter(s.cfg.Clock, limit, limit),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !s.track(wss) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(wss)

	// The request context ends when the handler returns, not when the
	// hijacked connection does; keep its values for tracing only.
	wss.run(context.WithoutCancel(r.Context()))
}

func newConnID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
