// Package protocol defines the JSON wire messages exchanged with capture
// clients over the WebSocket connection.
//
// Clients send metadata and audio frames; the server replies with
// transcription and context_partial frames. Every frame carries a "type"
// discriminator. Frames with an unrecognized type are ignored rather than
// rejected, so older clients keep working against newer servers.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeMetadata = "metadata"
	TypeAudio    = "audio"
)

// Server → client message types.
const (
	TypeTranscription  = "transcription"
	TypeContextPartial = "context_partial"
)

// ── Incoming messages ──────────────────────────────────────────────────────────

// ClientMessage is the merged envelope for everything a capture client sends.
// Only the fields matching the Type discriminator are populated.
type ClientMessage struct {
	Type string `json:"type"`

	// metadata
	SampleRate int `json:"sampleRate,omitempty"`

	// audio
	Data string `json:"data,omitempty"` // base64-encoded samples
}

// ParseClient decodes a raw text frame into a ClientMessage. Malformed JSON
// is reported as an error so the caller can drop the frame and keep reading.
func ParseClient(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: parse client frame: %w", err)
	}
	return msg, nil
}

// DecodeAudio returns the raw sample bytes carried by an audio message.
func (m ClientMessage) DecodeAudio() ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio payload: %w", err)
	}
	return payload, nil
}

// ── Outgoing messages ──────────────────────────────────────────────────────────

// Transcription carries one decoded window's text to the client.
type Transcription struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewTranscription builds a transcription frame stamped at the given time.
func NewTranscription(text string, at time.Time) Transcription {
	return Transcription{
		Type:      TypeTranscription,
		Text:      text,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// ContextPayload is the enrichment object nested inside a context_partial
// frame.
type ContextPayload struct {
	Context     string `json:"context"`
	Model       string `json:"model"`
	GeneratedAt string `json:"generated_at"`
	SourceLen   int    `json:"source_len"`
}

// ContextPartial delivers LLM-generated supplementary context for a recent
// transcript. It arrives asynchronously, some time after the transcription
// frame it refers to.
type ContextPartial struct {
	Type string         `json:"type"`
	JSON ContextPayload `json:"json"`
}

// NewContextPartial builds a context_partial frame. sourceLen is the length
// in characters of the transcript the context was generated from.
func NewContextPartial(contextText, model string, at time.Time, sourceLen int) ContextPartial {
	return ContextPartial{
		Type: TypeContextPartial,
		JSON: ContextPayload{
			Context:     contextText,
			Model:       model,
			GeneratedAt: at.UTC().Format(time.RFC3339),
			SourceLen:   sourceLen,
		},
	}
}

// Marshal encodes any outgoing frame as a JSON text frame.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return data, nil
}
