// Package server exposes the Auricle HTTP surface: the /ws endpoint capture
// clients connect to, health probes, and Prometheus metrics.
//
// The server tracks every live WebSocket session so shutdown can cancel them
// cleanly: http.Server.Shutdown never waits for hijacked connections, which
// is exactly what an upgraded WebSocket is.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/auricle/internal/enrich"
	"github.com/MrWong99/auricle/internal/health"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/session"
	"github.com/MrWong99/auricle/pkg/provider/stt"
)

// Option configures optional server collaborators.
type Option func(*Server)

// WithEnricher attaches the transcript enrichment engine. Sessions run in
// transcription-only mode without it.
func WithEnricher(e *enrich.Enricher) Option {
	return func(s *Server) { s.enricher = e }
}

// WithMetrics attaches metric instruments to the server and its sessions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxConcurrentDecodes bounds decodes running at once across all
// sessions. Useful when the native whisper backend owns a fixed thread pool.
// Zero or negative leaves decoding unbounded.
func WithMaxConcurrentDecodes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.decodeSem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithHealthCheckers registers readiness checks served on /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origin
// patterns. Without it any origin is accepted: capture clients are browser
// extensions whose chrome-extension:// origins differ per install.
func WithAllowedOrigins(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// WithTLS serves HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.tlsCert = certFile
		s.tlsKey = keyFile
	}
}

// Server is the Auricle HTTP/WebSocket front end. Create with [New], start
// with [Server.Start], and stop with [Server.Shutdown].
type Server struct {
	stt       stt.Provider
	enricher  *enrich.Enricher
	metrics   *observe.Metrics
	decodeSem *semaphore.Weighted
	checkers  []health.Checker
	origins   []string
	tlsCert   string
	tlsKey    string

	// sessCfg is swapped atomically on config reload; sessions read it once
	// at accept time, so changes apply to connections opened afterwards.
	sessCfg atomic.Pointer[session.Config]

	httpSrv *http.Server
	reg     *registry
}

// New builds a server listening on addr. sessCfg seeds the pipeline settings
// every new connection starts from.
func New(addr string, sttP stt.Provider, sessCfg session.Config, opts ...Option) (*Server, error) {
	if sttP == nil {
		return nil, fmt.Errorf("server: stt provider must not be nil")
	}

	s := &Server{
		stt: sttP,
		reg: newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	s.sessCfg.Store(&sessCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(s.metrics)(mux),
		// Read/write timeouts would sever long-lived WebSocket sessions, so
		// only the header read is bounded here.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the server's root handler, including middleware. Exposed
// for tests that mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// SessionConfig returns the pipeline settings new connections currently
// start from.
func (s *Server) SessionConfig() session.Config {
	return *s.sessCfg.Load()
}

// UpdateSessionConfig swaps the pipeline settings for connections opened
// after the call. Live sessions keep the settings they started with.
func (s *Server) UpdateSessionConfig(cfg session.Config) {
	s.sessCfg.Store(&cfg)
	slog.Info("session pipeline settings updated",
		"decode_interval", cfg.DecodeInterval,
		"min_buffer", cfg.MinBuffer,
		"overlap", cfg.Overlap,
		"input_format", string(cfg.InputFormat))
}

// ActiveSessions returns the number of live WebSocket sessions.
func (s *Server) ActiveSessions() int {
	return s.reg.count()
}

// Sessions returns metadata for every live session, oldest first.
func (s *Server) Sessions() []SessionInfo {
	return s.reg.snapshot()
}

// handleSessions serves the live session list as JSON.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.reg.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"count":    len(infos),
		"sessions": infos,
	}); err != nil {
		slog.Warn("failed to encode session list", "error", err)
	}
}

// Start binds the listener and begins serving in a background goroutine.
// Binding happens synchronously so an occupied port fails fast.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %q: %w", s.httpSrv.Addr, err)
	}

	scheme := "http"
	if s.tlsCert != "" {
		scheme = "https"
	}
	slog.Info("server listening", "addr", ln.Addr().String(), "scheme", scheme)

	go func() {
		var err error
		if s.tlsCert != "" {
			err = s.httpSrv.ServeTLS(ln, s.tlsCert, s.tlsKey)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections, cancels every live session, and
// waits for them to unwind or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	cancels := s.reg.beginDrain()
	if len(cancels) > 0 {
		slog.Info("closing live sessions", "count", len(cancels))
	}
	for _, cancel := range cancels {
		cancel()
	}

	err := s.httpSrv.Shutdown(ctx)

	for {
		remaining := s.reg.count()
		if remaining == 0 {
			return err
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached with sessions still live", "remaining", remaining)
			return errors.Join(err, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
