// Package app wires all Auricle subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithEnricher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/auricle/internal/audio"
	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/enrich"
	"github.com/MrWong99/auricle/internal/health"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/resilience"
	"github.com/MrWong99/auricle/internal/server"
	"github.com/MrWong99/auricle/internal/session"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	"github.com/MrWong99/auricle/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. STT is mandatory; a
// nil LLM runs the server in transcription-only mode. Populated by main.go
// via the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes and orchestrates the Auricle pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	levelVar *slog.LevelVar
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	enricher *enrich.Enricher
	server   *server.Server
	watcher  *config.Watcher

	watchPath string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogLevelVar hands the app the level var behind the process logger so
// config reloads can retune verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetrics injects metric instruments instead of initialising the global
// OTel providers. Tests use this to avoid cross-test meter pollution.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEnricher injects an enrichment engine instead of building one from the
// configured LLM provider.
func WithEnricher(e *enrich.Enricher) Option {
	return func(a *App) { a.enricher = e }
}

// WithConfigWatch makes the app watch the given config file and apply safe
// changes (log level, decode schedule, audio format) without a restart.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil {
		return nil, errors.New("app: a speech-to-text provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Enrichment ────────────────────────────────────────────────────
	a.initEnrichment()

	// ── 3. Server ────────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the global OTel providers unless metrics were
// injected, in which case the caller owns the meter provider.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "auricle",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(flushCtx)
	})

	a.metrics = observe.DefaultMetrics()
	return nil
}

// initEnrichment builds the enricher from the configured LLM provider. With
// no provider the enricher stays nil and the server runs transcription-only.
func (a *App) initEnrichment() {
	if a.enricher != nil || a.providers.LLM == nil {
		return
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:      "llm",
		Threshold: a.cfg.Enrich.Breaker.Threshold,
		Cooldown:  a.cfg.Enrich.Breaker.Cooldown(),
	})

	a.enricher = enrich.New(a.providers.LLM, enrich.Config{
		Model:         a.cfg.Providers.LLM.Model,
		Temperature:   a.cfg.Enrich.Temperature,
		MaxTokens:     a.cfg.Enrich.MaxTokens,
		Timeout:       a.cfg.Enrich.Timeout(),
		HistorySize:   a.cfg.Enrich.HistorySize,
		HistoryMaxAge: a.cfg.Enrich.HistoryMaxAge(),
		Breaker:       a.breaker,
		Metrics:       a.metrics,
	})
}

// initServer builds the HTTP/WebSocket front end from the config.
func (a *App) initServer() error {
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithMaxConcurrentDecodes(a.cfg.Decode.MaxConcurrent),
		server.WithHealthCheckers(a.healthCheckers()...),
	}
	if a.enricher != nil {
		opts = append(opts, server.WithEnricher(a.enricher))
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		opts = append(opts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}

	srv, err := server.New(a.cfg.Server.ListenAddr, a.providers.STT, sessionConfigFrom(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// initWatcher starts watching the config file when a path was supplied.
func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}

	w, err := config.NewWatcher(a.watchPath, a.applyReload)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// healthCheckers builds the readiness checks served on /readyz.
func (a *App) healthCheckers() []health.Checker {
	checks := []health.Checker{{
		Name: "stt",
		Check: func(context.Context) error {
			if a.providers.STT == nil {
				return errors.New("no speech-to-text provider configured")
			}
			return nil
		},
	}}

	if a.providers.LLM != nil {
		checks = append(checks, health.Checker{
			Name: "llm",
			Check: func(context.Context) error {
				// Transcription still works with the breaker open, but
				// operators watching /readyz should see enrichment degrade.
				if a.breaker != nil && a.breaker.State() == resilience.StateOpen {
					return errors.New("enrichment circuit breaker is open")
				}
				return nil
			},
		})
	}

	return checks
}

// ─── Config reload ───────────────────────────────────────────────────────────

// applyReload is the watcher callback. Only diff-tracked fields hot-apply;
// provider and listener changes keep requiring a restart.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		slog.Info("config reloaded with no applicable changes")
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.DecodeChanged || d.AudioChanged {
		sc := a.server.SessionConfig()
		if d.AudioChanged {
			if format, err := audio.ParseFormat(d.NewAudio.InputFormat); err == nil {
				sc.InputFormat = format
			} else {
				slog.Warn("reloaded input format is invalid, keeping previous", "error", err)
			}
			sc.SourceRate = d.NewAudio.SourceSampleRate
			sc.TargetRate = d.NewAudio.TargetSampleRate
		}
		if d.DecodeChanged {
			sc.DecodeInterval = d.NewDecode.Interval()
			sc.MinBuffer = d.NewDecode.MinBuffer()
			sc.Overlap = d.NewDecode.Overlap()
		}
		a.server.UpdateSessionConfig(sc)
	}
}

// sessionConfigFrom translates the YAML schema into per-session pipeline
// settings. The format string was validated at load time.
func sessionConfigFrom(cfg *config.Config) session.Config {
	format, err := audio.ParseFormat(cfg.Audio.InputFormat)
	if err != nil {
		format = audio.FormatFloat32
	}
	return session.Config{
		InputFormat:     format,
		SourceRate:      cfg.Audio.SourceSampleRate,
		TargetRate:      cfg.Audio.TargetSampleRate,
		DecodeInterval:  cfg.Decode.Interval(),
		MinBuffer:       cfg.Decode.MinBuffer(),
		Overlap:         cfg.Decode.Overlap(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the server and blocks until ctx is cancelled. The caller is
// expected to follow up with Shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("app: start server: %w", err)
	}

	slog.Info("app running",
		"addr", a.cfg.Server.ListenAddr,
		"enrichment", a.enricher != nil,
		"watching_config", a.watcher != nil,
	)
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears everything down: drain live sessions, wait for in-flight
// enrichment deliveries, then run the remaining closers in order. It respects
// the context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Draining cancels session contexts, which unblocks any in-flight
		// enrichment calls, so the Wait directly after stays short.
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("server shutdown error", "err", err)
				shutdownErr = err
			}
		}
		a.enricher.Wait()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
