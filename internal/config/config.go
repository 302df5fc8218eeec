// Package config provides the configuration schema, loader, and provider
// registry for the Auricle transcription server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Auricle server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding [slog.Level]. Unrecognised values map
// to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Auricle.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Decode    DecodeConfig    `yaml:"decode"`
	Providers ProvidersConfig `yaml:"providers"`
	Enrich    EnrichConfig    `yaml:"enrich"`
}

// ServerConfig holds network and logging settings for the Auricle server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8015").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxMessageBytes caps the size of a single inbound WebSocket message.
	// Zero means the built-in 16 MiB default.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig describes the audio the capture clients of this deployment
// send. The sample encoding is a deployment property, not a per-message one:
// every client of a given install sends the same format.
type AudioConfig struct {
	// InputFormat is the sample encoding of inbound audio payloads:
	// "float32" (Web Audio API captures) or "pcm16" (extensions that
	// downsample client-side). Empty means float32.
	InputFormat string `yaml:"input_format"`

	// SourceSampleRate is the client rate assumed until a metadata frame
	// announces the real one. Zero means 44100.
	SourceSampleRate int `yaml:"source_sample_rate"`

	// TargetSampleRate is the rate audio is resampled to before decoding.
	// Zero means 16000, which is what whisper models are trained on.
	TargetSampleRate int `yaml:"target_sample_rate"`
}

// DecodeConfig tunes the windowed decode schedule. Durations are expressed
// in seconds, fractional values allowed.
type DecodeConfig struct {
	// IntervalSeconds is the minimum spacing between decodes of one session.
	// Zero means 6.
	IntervalSeconds float64 `yaml:"interval_seconds"`

	// MinBufferSeconds is the least buffered audio worth decoding.
	// Zero means 2.
	MinBufferSeconds float64 `yaml:"min_buffer_seconds"`

	// OverlapSeconds is how much of a decoded window stays buffered so words
	// spanning a window boundary appear whole in the next decode.
	// Zero means 1.
	OverlapSeconds float64 `yaml:"overlap_seconds"`

	// MaxConcurrent bounds decodes running at once across all sessions.
	// Zero means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Interval returns the decode interval as a duration.
func (d DecodeConfig) Interval() time.Duration { return secondsToDuration(d.IntervalSeconds) }

// MinBuffer returns the minimum buffered duration as a duration.
func (d DecodeConfig) MinBuffer() time.Duration { return secondsToDuration(d.MinBufferSeconds) }

// Overlap returns the retained overlap as a duration.
func (d DecodeConfig) Overlap() time.Duration { return secondsToDuration(d.OverlapSeconds) }

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "whisper", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Empty falls back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "models/ggml-base.en.bin").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// EnrichConfig tunes the LLM context enrichment stage. The stage is active
// whenever an LLM provider is configured; without one the server runs in
// transcription-only mode.
type EnrichConfig struct {
	// Temperature is the sampling temperature forwarded to the LLM.
	// Enrichment wants determinism, so the default is 0.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length. Zero means 600.
	MaxTokens int `yaml:"max_tokens"`

	// TimeoutSeconds bounds a single enrichment request. Zero means 30.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`

	// HistorySize is how many recent transcript fragments are joined into
	// the enrichment input. Zero means 5.
	HistorySize int `yaml:"history_size"`

	// HistoryMaxAgeSeconds expires fragments from the history window.
	// Zero means 600 (ten minutes).
	HistoryMaxAgeSeconds float64 `yaml:"history_max_age_seconds"`

	// Breaker tunes the circuit breaker guarding the LLM backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// Timeout returns the enrichment request timeout as a duration.
func (e EnrichConfig) Timeout() time.Duration { return secondsToDuration(e.TimeoutSeconds) }

// HistoryMaxAge returns the history expiry as a duration.
func (e EnrichConfig) HistoryMaxAge() time.Duration {
	return secondsToDuration(e.HistoryMaxAgeSeconds)
}

// BreakerConfig tunes the circuit breaker in front of the LLM backend.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the breaker.
	// Zero means 5.
	Threshold int `yaml:"threshold"`

	// CooldownSeconds is how long the breaker stays open before probing.
	// Zero means 30.
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
}

// Cooldown returns the breaker cooldown as a duration.
func (b BreakerConfig) Cooldown() time.Duration { return secondsToDuration(b.CooldownSeconds) }

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
