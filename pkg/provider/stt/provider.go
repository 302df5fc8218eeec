// Package stt defines the Provider interface for speech-to-text backends.
//
// The ingestion pipeline accumulates audio into complete windows and hands
// each window to a provider as one opaque batch call. There is no streaming
// contract: a window goes in, best-effort text comes out. Silence, noise, and
// "no speech detected" all surface as an empty string with a nil error; a
// non-nil error means the decode itself failed (server unreachable, model
// fault) and is the caller's to log and count.
//
// Implementations must be safe for concurrent use: every client connection
// decodes against the same process-wide provider handle.
package stt

import "context"

// Provider is the abstraction over any batch speech-recognition backend.
type Provider interface {
	// Transcribe decodes one complete window of 16-bit signed little-endian
	// mono PCM at the sample rate the provider was configured with. The
	// returned text is trimmed of surrounding whitespace; an empty string
	// with a nil error means no speech was recognised in the window.
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}
