// Package mock provides a test double for the stt.Provider interface.
//
// Configure the text (or error) every Transcribe call returns, then inspect
// the recorded calls to verify which windows were decoded.
//
// Example:
//
//	p := &mock.Provider{Text: "hello world"}
//	text, _ := p.Transcribe(ctx, window)
//	calls := p.TranscribeCalls
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/auricle/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the window bytes that were passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is the transcript returned by every Transcribe call.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Text, Err.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp})
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
