package whisper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/auricle/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// inferenceRequest captures one decoded multipart request to /inference.
type inferenceRequest struct {
	wav      []byte
	language string
	model    string
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request and, when capture is non-nil, stores the decoded
// multipart fields there.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, capture *inferenceRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if capture != nil {
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, "bad multipart", http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "missing file field", http.StatusBadRequest)
				return
			}
			defer f.Close()
			buf := make([]byte, 64)
			n, _ := f.Read(buf)
			capture.wav = buf[:n]
			capture.language = r.FormValue("language")
			capture.model = r.FormValue("model")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil Provider")
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_ReturnsTrimmedText(t *testing.T) {
	srv := newMockServer(t, "  hello world \n", nil, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	text, err := p.Transcribe(context.Background(), make([]byte, 3200))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q; want %q", text, "hello world")
	}
}

func TestTranscribe_UploadsWAVWithHints(t *testing.T) {
	var captured inferenceRequest
	srv := newMockServer(t, "ok", nil, &captured)
	defer srv.Close()

	p, _ := whisper.New(srv.URL, whisper.WithLanguage("de"), whisper.WithModel("small"))
	if _, err := p.Transcribe(context.Background(), make([]byte, 3200)); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if len(captured.wav) < 12 || string(captured.wav[0:4]) != "RIFF" || string(captured.wav[8:12]) != "WAVE" {
		t.Error("uploaded file is not a RIFF/WAVE container")
	}
	if captured.language != "de" {
		t.Errorf("language field = %q; want %q", captured.language, "de")
	}
	if captured.model != "small" {
		t.Errorf("model field = %q; want %q", captured.model, "small")
	}
}

func TestTranscribe_EmptyWindow_SkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "should not be returned", &calls, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	text, err := p.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q; want empty", text)
	}
	if calls.Load() != 0 {
		t.Errorf("server was called %d times; want 0", calls.Load())
	}
}

func TestTranscribe_ServerError_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), make([]byte, 3200)); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestTranscribe_MalformedResponse_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), make([]byte, 3200)); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "ok", nil, nil)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if _, err := p.Transcribe(ctx, make([]byte, 3200)); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}
