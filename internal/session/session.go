// Package session implements the per-connection audio pipeline: the
// WebSocket read loop, the accumulating PCM window buffer, decode
// scheduling, and outbound frame delivery.
//
// Each connection runs three goroutines. The read loop owns the buffer and
// the trigger, so buffer state needs no locking. A decode worker consumes
// window snapshots and calls the speech-to-text provider, keeping slow
// decodes off the ingestion path. A write loop owns the connection's write
// side and serialises all outbound frames, so transcriptions and context
// payloads from different goroutines never interleave mid-frame.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/auricle/internal/audio"
	"github.com/MrWong99/auricle/internal/enrich"
	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/protocol"
	"github.com/MrWong99/auricle/pkg/provider/stt"
)

// Pipeline defaults, matching the browser extension's expectations.
const (
	// DefaultSourceRate is assumed until the client announces its hardware
	// rate in a metadata frame.
	DefaultSourceRate = 44100

	// DefaultTargetRate is the rate the buffer accumulates at and the rate
	// speech-to-text providers expect.
	DefaultTargetRate = 16000

	// DefaultDecodeInterval spaces decode dispatches apart.
	DefaultDecodeInterval = 6 * time.Second

	// DefaultMinBuffer is the least buffered audio worth decoding.
	DefaultMinBuffer = 2 * time.Second

	// DefaultOverlap is how much of the decoded window stays buffered so
	// words spanning a window boundary appear whole in the next decode.
	DefaultOverlap = time.Second

	// DefaultMaxMessageBytes caps inbound WebSocket messages. Base64 audio
	// frames are large; the stock 32 KiB limit would reject them instantly.
	DefaultMaxMessageBytes = 16 << 20

	defaultOutboundDepth    = 32
	defaultDecodeQueueDepth = 4
)

// Config carries the per-connection pipeline settings. Zero fields fall back
// to the package defaults.
type Config struct {
	// InputFormat is the sample encoding of inbound audio payloads.
	InputFormat audio.Format

	// SourceRate is the client sample rate assumed before any metadata frame
	// arrives.
	SourceRate int

	// TargetRate is the buffer and decode sample rate.
	TargetRate int

	// DecodeInterval is the minimum spacing between decode dispatches.
	DecodeInterval time.Duration

	// MinBuffer is the least buffered audio worth decoding.
	MinBuffer time.Duration

	// Overlap is the window tail retained across decodes.
	Overlap time.Duration

	// MaxMessageBytes caps inbound WebSocket message size.
	MaxMessageBytes int64

	// OutboundDepth is the outbound frame queue capacity.
	OutboundDepth int

	// DecodeQueueDepth is the decode dispatch queue capacity.
	DecodeQueueDepth int
}

func (c *Config) applyDefaults() {
	if c.SourceRate <= 0 {
		c.SourceRate = DefaultSourceRate
	}
	if c.TargetRate <= 0 {
		c.TargetRate = DefaultTargetRate
	}
	if c.DecodeInterval <= 0 {
		c.DecodeInterval = DefaultDecodeInterval
	}
	if c.MinBuffer <= 0 {
		c.MinBuffer = DefaultMinBuffer
	}
	if c.Overlap <= 0 {
		c.Overlap = DefaultOverlap
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.OutboundDepth <= 0 {
		c.OutboundDepth = defaultOutboundDepth
	}
	if c.DecodeQueueDepth <= 0 {
		c.DecodeQueueDepth = defaultDecodeQueueDepth
	}
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithEnricher attaches the transcript enrichment engine. Without it the
// session runs in transcription-only mode.
func WithEnricher(e *enrich.Enricher) Option {
	return func(s *Session) { s.enricher = e }
}

// WithMetrics attaches metric instruments. Without it nothing is recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDecodeSemaphore bounds concurrent decodes across all sessions. Useful
// when the native whisper backend shares a fixed thread pool.
func WithDecodeSemaphore(sem *semaphore.Weighted) Option {
	return func(s *Session) { s.decodeSem = sem }
}

// Session drives one client connection through the full pipeline. Create
// with [New], then call [Session.Run] exactly once.
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	stt  stt.Provider

	enricher  *enrich.Enricher
	metrics   *observe.Metrics
	decodeSem *semaphore.Weighted

	// Read-loop-owned state: no locking by design.
	buf     *audio.Buffer
	trigger *Trigger
	srcRate int
	stalled bool

	hist     *enrich.History
	outbound chan []byte
	decodeQ  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares a session for an accepted connection. ctx bounds the whole
// session; cancelling it (server shutdown) tears the session down.
func New(ctx context.Context, conn *websocket.Conn, sttP stt.Provider, cfg Config, opts ...Option) (*Session, error) {
	if sttP == nil {
		return nil, fmt.Errorf("session: stt provider must not be nil")
	}
	cfg.applyDefaults()

	buf, err := audio.NewBuffer(cfg.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		cfg:      cfg,
		stt:      sttP,
		buf:      buf,
		trigger:  NewTrigger(cfg.DecodeInterval, cfg.MinBuffer),
		srcRate:  cfg.SourceRate,
		outbound: make(chan []byte, cfg.OutboundDepth),
		decodeQ:  make(chan []byte, cfg.DecodeQueueDepth),
		ctx:      sctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.hist = s.enricher.NewHistory()
	return s, nil
}

// ID returns the session's unique identifier, used in logs.
func (s *Session) ID() string { return s.id }

// Run processes the connection until the client disconnects, the context is
// cancelled, or a read error occurs. It blocks. Normal closures return nil.
func (s *Session) Run() error {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(s.ctx, 1)
		defer s.metrics.ActiveSessions.Add(s.ctx, -1)
	}
	slog.Info("session started",
		"session_id", s.id,
		"source_rate", s.srcRate,
		"target_rate", s.buf.SampleRate(),
		"input_format", string(s.cfg.InputFormat))

	s.wg.Add(2)
	go s.writeLoop()
	go s.decodeLoop()

	err := s.readLoop()

	// Stop the workers and abandon any in-flight decode; the client is gone
	// and nobody would receive the result.
	s.cancel()
	s.wg.Wait()

	if err != nil {
		slog.Info("session closed", "session_id", s.id, "error", err)
	} else {
		slog.Info("session closed", "session_id", s.id)
	}
	return err
}

// readLoop pulls frames off the wire until the connection ends. It is the
// only goroutine that touches the buffer and trigger.
func (s *Session) readLoop() error {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				return nil
			default:
				return fmt.Errorf("session: read: %w", err)
			}
		}
		s.handleFrame(data)
	}
}

// handleFrame classifies and applies one inbound frame. Malformed frames are
// logged and dropped; one bad frame must not end the session.
func (s *Session) handleFrame(data []byte) {
	msg, err := protocol.ParseClient(data)
	if err != nil {
		slog.Debug("discarding malformed frame", "session_id", s.id, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeMetadata:
		s.setSourceRate(msg.SampleRate)
	case protocol.TypeAudio:
		s.ingest(msg)
	default:
		// Unknown frame types are ignored so newer clients keep working
		// against older servers.
	}
}

// setSourceRate applies a metadata announcement. Nonsense rates keep the
// previous value so a buggy client degrades to resampling from the assumed
// rate instead of crashing the maths.
func (s *Session) setSourceRate(rate int) {
	if rate <= 0 {
		slog.Warn("ignoring metadata with invalid sample rate",
			"session_id", s.id, "sample_rate", rate)
		return
	}
	if rate != s.srcRate {
		slog.Info("client sample rate announced",
			"session_id", s.id, "sample_rate", rate)
	}
	s.srcRate = rate
}

// ingest decodes an audio frame, resamples it to the target rate, and
// appends it to the window buffer, dispatching a decode when one is due.
func (s *Session) ingest(msg protocol.ClientMessage) {
	payload, err := msg.DecodeAudio()
	if err != nil {
		slog.Debug("discarding audio frame with bad base64",
			"session_id", s.id, "error", err)
		return
	}

	samples, err := s.cfg.InputFormat.Decode(payload)
	if err != nil {
		slog.Debug("discarding misaligned audio frame",
			"session_id", s.id, "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	samples = audio.Resample(samples, s.srcRate, s.buf.SampleRate())
	pcm := audio.EncodePCM16(samples)
	if err := s.buf.Append(pcm); err != nil {
		slog.Warn("buffer append failed", "session_id", s.id, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.AudioBytes.Add(s.ctx, int64(len(pcm)))
	}

	if s.trigger.ShouldFire(s.buf.Duration()) {
		s.dispatchDecode()
	}
}

// dispatchDecode snapshots the buffered window, queues it for the decode
// worker, and trims the buffer to the overlap. When the queue is full the
// window stays intact and the very next audio frame retries, so a slow
// provider delays decodes instead of losing audio.
func (s *Session) dispatchDecode() {
	window := s.buf.Window()
	if window == nil {
		return
	}

	select {
	case s.decodeQ <- window:
		s.buf.TrimToOverlap(s.cfg.Overlap)
		s.trigger.Fired()
		if s.stalled {
			s.stalled = false
			slog.Info("decode queue drained", "session_id", s.id)
		}
	default:
		if !s.stalled {
			s.stalled = true
			slog.Warn("decode queue full, deferring window",
				"session_id", s.id,
				"buffered_ms", s.buf.Duration().Milliseconds())
		}
	}
}

// decodeLoop consumes dispatched windows until the session context ends.
func (s *Session) decodeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case window := <-s.decodeQ:
			s.decodeWindow(window)
		}
	}
}

// decodeWindow transcribes one window and fans out the results: the
// transcription frame to the client, then the transcript to the enricher.
func (s *Session) decodeWindow(window []byte) {
	if s.decodeSem != nil {
		if err := s.decodeSem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.decodeSem.Release(1)
	}

	start := time.Now()
	text, err := s.stt.Transcribe(s.ctx, window)
	elapsed := time.Since(start)

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("decode failed",
			"session_id", s.id,
			"window_bytes", len(window),
			"error", err)
		s.metrics.RecordDecode(s.ctx, "error", elapsed)
		return
	}
	if text == "" {
		slog.Debug("decode produced no speech",
			"session_id", s.id,
			"window_bytes", len(window),
			"rms", audio.RMS(window))
		s.metrics.RecordDecode(s.ctx, "empty", elapsed)
		return
	}

	s.metrics.RecordDecode(s.ctx, "ok", elapsed)
	slog.Info("transcription",
		"session_id", s.id,
		"chars", len(text),
		"decode_ms", elapsed.Milliseconds())

	s.send(protocol.Marshal(protocol.NewTranscription(text, time.Now())))
	s.enricher.Enrich(s.ctx, s.hist, text, func(p protocol.ContextPartial) {
		s.send(protocol.Marshal(p))
	})
}

// send queues a serialised frame for the write loop. Frames are dropped,
// never queued unboundedly, when the client cannot keep up.
func (s *Session) send(data []byte, err error) {
	if err != nil {
		slog.Error("marshal outbound frame", "session_id", s.id, "error", err)
		return
	}
	select {
	case s.outbound <- data:
	default:
		if s.metrics != nil {
			s.metrics.DroppedMessages.Add(s.ctx, 1)
		}
		slog.Warn("outbound queue full, dropping frame", "session_id", s.id)
	}
}

// writeLoop owns the connection's write side. A write failure cancels the
// whole session; the read loop notices and unwinds.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.outbound:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					slog.Debug("outbound write failed",
						"session_id", s.id, "error", err)
				}
				s.cancel()
				return
			}
		}
	}
}
