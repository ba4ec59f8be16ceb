// Package server exposes the Frontdesk HTTP surface: the carrier media
// WebSocket, health probes, and the Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/relayline/frontdesk/internal/health"
	"github.com/relayline/frontdesk/internal/ingress"
	"github.com/relayline/frontdesk/internal/observe"
)

const (
	// readHeaderTimeout bounds slow-loris style header dribbling.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is how long Run waits for in-flight calls to drain
	// after the context is cancelled.
	shutdownTimeout = 15 * time.Second
)

// Config holds everything the HTTP server needs to route a call.
type Config struct {
	// ListenAddr is the TCP address to bind (e.g., ":8080").
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// Ingress carries the per-call dependencies handed to each new Session.
	Ingress ingress.Deps

	// Health serves the /healthz and /readyz probes. Nil disables them.
	Health *health.Handler

	// Metrics instruments HTTP requests and call counters. Nil disables
	// instrumentation but keeps /metrics exposed.
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Server is the Frontdesk HTTP server. Create with New, then call Run.
type Server struct {
	cfg    Config
	logger *slog.Logger
	httpd  *http.Server
}

// New builds the route table and returns an unstarted Server.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("server: listen address is required")
	}
	if err := ingress.ValidateDeps(cfg.Ingress); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/voice/{callSID}", s.handleVoice)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.httpd = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening",
			"addr", s.cfg.ListenAddr,
			"tls", s.cfg.CertFile != "",
		)
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.httpd.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpd.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpd.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleVoice upgrades the carrier connection and hands the socket to a new
// call session. The session owns the socket from here on.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("callSID")
	if callSID == "" {
		http.Error(w, "missing call SID", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Carrier media gateways do not send Origin headers.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "call_sid", callSID, "err", err)
		return
	}

	sess, err := ingress.NewSession(callSID, ingress.NewWSConn(conn), s.cfg.Ingress)
	if err != nil {
		s.logger.Warn("session rejected", "call_sid", callSID, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "session rejected")
		return
	}

	if err := sess.Run(r.Context()); err != nil {
		s.logger.Error("call session failed", "call_sid", callSID, "err", err)
	}
}
