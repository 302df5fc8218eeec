package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/auricle/internal/audio"
	"github.com/MrWong99/auricle/internal/enrich"
	"github.com/MrWong99/auricle/internal/health"
	"github.com/MrWong99/auricle/internal/server"
	"github.com/MrWong99/auricle/internal/session"
	"github.com/MrWong99/auricle/pkg/provider/llm"
	llmmock "github.com/MrWong99/auricle/pkg/provider/llm/mock"
	"github.com/MrWong99/auricle/pkg/provider/stt"
	sttmock "github.com/MrWong99/auricle/pkg/provider/stt/mock"
)

// ── Harness ────────────────────────────────────────────────────────────────────

// fastSessionConfig shrinks the decode schedule so pipeline round trips fit
// in test time.
func fastSessionConfig() session.Config {
	return session.Config{
		InputFormat:    audio.FormatPCM16,
		SourceRate:     16000,
		TargetRate:     16000,
		DecodeInterval: 500 * time.Millisecond,
		MinBuffer:      100 * time.Millisecond,
		Overlap:        50 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, sttP stt.Provider, opts ...server.Option) *httptest.Server {
	t.Helper()
	srv, err := server.New("127.0.0.1:0", sttP, fastSessionConfig(), opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(hs), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL(hs), err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

// expectNoFrame asserts that nothing arrives on conn within d.
func expectNoFrame(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("unexpected frame arrived: %s", data)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("read failed with %v, want deadline", err)
	}
}

// audioPayload returns base64-encoded pcm16 silence of the given duration at
// 16 kHz.
func audioPayload(d time.Duration) string {
	samples := int(d.Seconds() * 16000)
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

// speak streams audio frames spaced apart in real time, covering at least
// one decode interval of the fast config.
func speak(t *testing.T, conn *websocket.Conn, frames int, spacing time.Duration) {
	t.Helper()
	for i := 0; i < frames; i++ {
		writeFrame(t, conn, map[string]any{
			"type": "audio",
			"data": audioPayload(100 * time.Millisecond),
		})
		time.Sleep(spacing)
	}
}

// ── Pipeline round trips ───────────────────────────────────────────────────────

func TestPipeline_SpeechYieldsOneTranscriptionAndContext(t *testing.T) {
	sttP := &sttmock.Provider{Text: "tell me about the aurora borealis"}
	llmP := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"context": "<div>The aurora borealis is caused by solar wind.</div>"}`,
		},
	}
	enricher := enrich.New(llmP, enrich.Config{Model: "gpt-4o-mini"})
	hs := newTestServer(t, sttP, server.WithEnricher(enricher))

	conn := dial(t, hs)
	writeFrame(t, conn, map[string]any{"type": "metadata", "sampleRate": 16000})

	// Stream just over one decode interval of audio, then stop.
	speak(t, conn, 12, 50*time.Millisecond)

	first := readFrame(t, conn, 3*time.Second)
	if first["type"] != "transcription" {
		t.Fatalf("first frame type = %v, want transcription", first["type"])
	}
	if first["text"] != "tell me about the aurora borealis" {
		t.Errorf("text = %v", first["text"])
	}
	if _, err := time.Parse(time.RFC3339, first["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v is not RFC 3339: %v", first["timestamp"], err)
	}

	second := readFrame(t, conn, 3*time.Second)
	if second["type"] != "context_partial" {
		t.Fatalf("second frame type = %v, want context_partial", second["type"])
	}
	payload, ok := second["json"].(map[string]any)
	if !ok {
		t.Fatalf("context_partial json field missing: %v", second)
	}
	if payload["context"] != "<div>The aurora borealis is caused by solar wind.</div>" {
		t.Errorf("context = %v", payload["context"])
	}
	if payload["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", payload["model"])
	}

	// No audio is flowing any more, so no further decode may fire.
	expectNoFrame(t, conn, 700*time.Millisecond)
}

func TestPipeline_SilenceYieldsNothing(t *testing.T) {
	// The decoder reports no speech; the client must hear nothing at all.
	sttP := &sttmock.Provider{Text: ""}
	hs := newTestServer(t, sttP)

	conn := dial(t, hs)
	writeFrame(t, conn, map[string]any{"type": "metadata", "sampleRate": 16000})
	speak(t, conn, 12, 50*time.Millisecond)

	expectNoFrame(t, conn, time.Second)

	if sttP.CallCount() == 0 {
		t.Fatal("decode never ran; the silence assertion proved nothing")
	}
}

func TestPipeline_TranscriptionOnlyWithoutEnricher(t *testing.T) {
	sttP := &sttmock.Provider{Text: "plain transcription mode"}
	hs := newTestServer(t, sttP)

	conn := dial(t, hs)
	speak(t, conn, 12, 50*time.Millisecond)

	frame := readFrame(t, conn, 3*time.Second)
	if frame["type"] != "transcription" {
		t.Fatalf("frame type = %v, want transcription", frame["type"])
	}
	expectNoFrame(t, conn, 700*time.Millisecond)
}

// blockingSTT parks every Transcribe call until released, so tests can hold
// a decode in flight while the client goes away.
type blockingSTT struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingSTT) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
		return "late result", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingSTT) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestPipeline_DisconnectDuringDecodeIsHarmless(t *testing.T) {
	sttP := &blockingSTT{release: make(chan struct{})}
	hs := newTestServer(t, sttP)

	conn := dial(t, hs)
	speak(t, conn, 12, 50*time.Millisecond)

	// Wait until the decode is actually in flight, then vanish mid-call.
	deadline := time.Now().Add(3 * time.Second)
	for sttP.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decode never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.CloseNow()
	close(sttP.release)

	// The server must shrug the orphaned result off and keep serving.
	time.Sleep(100 * time.Millisecond)
	conn2 := dial(t, hs)
	writeFrame(t, conn2, map[string]any{"type": "metadata", "sampleRate": 16000})
}

// ── HTTP surface ───────────────────────────────────────────────────────────────

func TestEndpoints_Healthz(t *testing.T) {
	hs := newTestServer(t, &sttmock.Provider{})

	resp, err := http.Get(hs.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEndpoints_ReadyzReflectsCheckers(t *testing.T) {
	hs := newTestServer(t, &sttmock.Provider{},
		server.WithHealthCheckers(health.Checker{
			Name:  "stt",
			Check: func(context.Context) error { return errors.New("model not loaded") },
		}))

	resp, err := http.Get(hs.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEndpoints_MetricsServed(t *testing.T) {
	hs := newTestServer(t, &sttmock.Provider{})

	resp, err := http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 {
		t.Error("metrics body is empty")
	}
}

func TestEndpoints_SessionsListsLiveConnections(t *testing.T) {
	hs := newTestServer(t, &sttmock.Provider{})
	dial(t, hs)

	// The handler registers the session just after the upgrade; poll briefly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(hs.URL + "/sessions")
		if err != nil {
			t.Fatalf("GET /sessions: %v", err)
		}
		var body struct {
			Count    int `json:"count"`
			Sessions []struct {
				ID         string `json:"id"`
				RemoteAddr string `json:"remote_addr"`
			} `json:"sessions"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			t.Fatalf("decode /sessions: %v", decodeErr)
		}
		if body.Count == 1 {
			if body.Sessions[0].ID == "" {
				t.Error("session entry has empty id")
			}
			if body.Sessions[0].RemoteAddr == "" {
				t.Error("session entry has empty remote_addr")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never appeared, count = %d", body.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgrade_RejectsPinnedOriginMismatch(t *testing.T) {
	hs := newTestServer(t, &sttmock.Provider{},
		server.WithAllowedOrigins("capture.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL(hs), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.net"}},
	})
	if err == nil {
		t.Fatal("dial with mismatched origin succeeded, want rejection")
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestServer_ShutdownCancelsLiveSessions(t *testing.T) {
	sttP := &sttmock.Provider{}
	srv, err := server.New("127.0.0.1:0", sttP, fastSessionConfig())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(hs), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for srv.ActiveSessions() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := srv.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d after shutdown, want 0", n)
	}

	// The client side observes the close promptly.
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("client read succeeded after server shutdown")
	}
}

func TestServer_UpdateSessionConfigAppliesToNewConnections(t *testing.T) {
	srv, err := server.New("127.0.0.1:0", &sttmock.Provider{}, fastSessionConfig())
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	updated := fastSessionConfig()
	updated.DecodeInterval = 2 * time.Second
	srv.UpdateSessionConfig(updated)

	if got := srv.SessionConfig().DecodeInterval; got != 2*time.Second {
		t.Errorf("DecodeInterval = %v, want 2s", got)
	}
}

func TestServer_RequiresProvider(t *testing.T) {
	if _, err := server.New("127.0.0.1:0", nil, session.Config{}); err == nil {
		t.Fatal("expected error for nil stt provider")
	}
}
