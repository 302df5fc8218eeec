package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/auricle/internal/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d is negative", cfg.Server.MaxMessageBytes))
	}

	// Audio
	if _, err := audio.ParseFormat(cfg.Audio.InputFormat); err != nil {
		errs = append(errs, fmt.Errorf("audio.input_format %q is invalid; valid values: float32, pcm16", cfg.Audio.InputFormat))
	}
	if cfg.Audio.SourceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.source_sample_rate %d is negative", cfg.Audio.SourceSampleRate))
	}
	if cfg.Audio.TargetSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate %d is negative", cfg.Audio.TargetSampleRate))
	}
	if cfg.Audio.TargetSampleRate > 0 && cfg.Audio.TargetSampleRate != 16000 {
		slog.Warn("audio.target_sample_rate differs from the 16000 Hz whisper models expect",
			"target_sample_rate", cfg.Audio.TargetSampleRate)
	}

	// Decode schedule
	if cfg.Decode.IntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("decode.interval_seconds %.2f is negative", cfg.Decode.IntervalSeconds))
	}
	if cfg.Decode.MinBufferSeconds < 0 {
		errs = append(errs, fmt.Errorf("decode.min_buffer_seconds %.2f is negative", cfg.Decode.MinBufferSeconds))
	}
	if cfg.Decode.OverlapSeconds < 0 {
		errs = append(errs, fmt.Errorf("decode.overlap_seconds %.2f is negative", cfg.Decode.OverlapSeconds))
	}
	if cfg.Decode.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("decode.max_concurrent %d is negative", cfg.Decode.MaxConcurrent))
	}
	if cfg.Decode.IntervalSeconds > 0 && cfg.Decode.OverlapSeconds >= cfg.Decode.IntervalSeconds {
		slog.Warn("decode.overlap_seconds is at least the decode interval; consecutive windows will mostly repeat each other",
			"overlap_seconds", cfg.Decode.OverlapSeconds,
			"interval_seconds", cfg.Decode.IntervalSeconds)
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required; the server cannot transcribe without a speech-to-text provider"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; transcripts will not be enriched with context")
	}

	// Enrichment
	if cfg.Enrich.Temperature < 0 || cfg.Enrich.Temperature > 2 {
		errs = append(errs, fmt.Errorf("enrich.temperature %.2f is out of range [0, 2]", cfg.Enrich.Temperature))
	}
	if cfg.Enrich.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("enrich.max_tokens %d is negative", cfg.Enrich.MaxTokens))
	}
	if cfg.Enrich.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("enrich.timeout_seconds %.2f is negative", cfg.Enrich.TimeoutSeconds))
	}
	if cfg.Enrich.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("enrich.history_size %d is negative", cfg.Enrich.HistorySize))
	}
	if cfg.Enrich.HistoryMaxAgeSeconds < 0 {
		errs = append(errs, fmt.Errorf("enrich.history_max_age_seconds %.2f is negative", cfg.Enrich.HistoryMaxAgeSeconds))
	}
	if cfg.Enrich.Breaker.Threshold < 0 {
		errs = append(errs, fmt.Errorf("enrich.breaker.threshold %d is negative", cfg.Enrich.Breaker.Threshold))
	}
	if cfg.Enrich.Breaker.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("enrich.breaker.cooldown_seconds %.2f is negative", cfg.Enrich.Breaker.CooldownSeconds))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
