package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tkreindler/BlazorChat/internal/config"
	"github.com/tkreindler/BlazorChat/internal/origin"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the HTTP front door: operational routes plus whatever main
// mounts on Mux (the signaling WebSocket, /metrics).
type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	origin origin.Policy

	// ready flips on in Serve and off at shutdown; /readyz reports it.
	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		origin: origin.Policy{Allowed: cfg.AllowedOrigins},
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	// CORS preflight; withOriginPolicy answers it before the handler runs.
	s.mux.HandleFunc("OPTIONS /webrtc/ice", s.withOriginPolicy(s.handleICE))

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           chain(s.mux, recoverPanics(logger), withRequestID(), logRequests(logger)),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /signal upgrades to a long-lived WebSocket
		// that manages its own deadlines.
	}
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// OriginPolicy is the browser origin policy applied to browser-facing routes.
// The signaling upgrade uses it as its CheckOrigin.
func (s *Server) OriginPolicy() origin.Policy {
	return s.origin
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleReadyz fails while not serving and while the ICE configuration is
// broken, since browsers could not connect calls without it.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	switch err := s.cfg.ICEConfigError(); {
	case !s.ready.Load():
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
	case err != nil:
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
	default:
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

// handleICE serves the RTCPeerConnection iceServers list.
func (s *Server) handleICE(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
}
