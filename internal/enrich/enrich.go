// Package enrich turns finished transcripts into contextual knowledge
// payloads via a language model.
//
// The [Enricher] sends the session's recent transcript window to an
// [llm.Provider] and parses the response into a single context blob that the
// client renders next to the live transcription. Calls are fire-and-forget:
// each one runs on its own goroutine, failures are logged and swallowed,
// and nothing on this path may ever delay audio ingestion or transcription
// delivery. A [resilience.CircuitBreaker] sheds calls to a misbehaving
// endpoint so a dead provider costs nothing but a debug line.
//
// A nil *Enricher is valid and does nothing, which is how the server runs in
// transcription-only mode when no model credential is configured.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/protocol"
	"github.com/MrWong99/auricle/internal/resilience"
	"github.com/MrWong99/auricle/pkg/provider/llm"
)

const (
	// fallbackContext is delivered when the model answered successfully but
	// the extracted context was empty. Clients may key on this literal.
	fallbackContext = "no relevant context"

	defaultTimeout       = 30 * time.Second
	defaultMaxTokens     = 600
	defaultHistorySize   = 5
	defaultHistoryMaxAge = 10 * time.Minute
)

// systemPrompt pins the response shape. The heavy lifting lives in the user
// prompt; this only reminds the model what it is and what it must return.
const systemPrompt = "You are a Knowledge Enhancement Engine. You receive conversation transcripts and respond with exactly one JSON object with one key: context."

// userPromptTemplate is the full enrichment instruction. The %s slot receives
// the joined transcript window.
const userPromptTemplate = `You are a highly-informed Domain Expert Architect and Knowledge Enhancement Engine.
Your task is to analyze rolling slices of a conversation transcript, fuse them, and provide generative technical insights.

### PHASE 1: TRANSCRIPT ANALYSIS
1. Sentence fusion: combine the transcript slices into complete, meaningful sentences. The speakers may not be native speakers, so repair garbled words by phonetic similarity rather than spelling similarity (for example "Catchy B.T." is almost certainly "ChatGPT").
2. Sentence priority: give the last sentence the highest priority and extract keywords and intent primarily from the most recent speech.
3. Setting detection: determine whether the conversation is a technical interview, a product or technology review, an educational lecture, or a generic conversation.

### PHASE 2: CONTEXT GENERATION
Generate the "context" field using the rules for the detected setting. Do not invent facts when a rule does not apply. When several settings apply, mix the applicable rules and arrange the result logically.

- Technical interview: provide a professional opening the speaker can start an answer with, three to four mastery keywords (architectural patterns or edge cases), and a generic STAR or system-design template to fill with experience.
- Product or technology review: provide a comparative analysis against industry standards or previous versions, plus a concise list of pros and cons.
- Educational lecture: provide a short memory refresh of prerequisite knowledge, plus clickable links to official documentation in the form <a href="https://example.com">example</a>. Links must be real, reachable pages, never placeholders.

Where useful: if an API or tool is mentioned, include a small boilerplate construction (sample payload or snippet) rather than a bare definition; point out one way the discussed approach fails under 10x load or a possible optimization; name what the speaker should have mentioned but did not (indexing, security, scaling).

### PHASE 3: OUTPUT SHAPE
- Keep the context concise. It will be replaced as the conversation continues.
- Do not repeat information already present in the conversation or in previously generated context.
- Do not describe the strategies used to generate the context. Include only information immediately useful to the reader.
- Separate distinct points into separate paragraphs. The text is rendered inside an HTML div, so format accordingly.

### CONSTRAINTS
- Return ONLY one JSON object with exactly one field: "context".
- If no knowledge can be extracted (small talk), return {"context": "No relevant context extracted"}.
- The context must be human readable and must not mention the settings or rules used to produce it.

TRANSCRIPT:
"""
%s
"""`

// Config tunes an [Enricher]. The zero value is usable: temperature 0 means
// greedy decoding, and the remaining fields default as documented.
type Config struct {
	// Model is the model label stamped into outgoing payloads. The actual
	// model is fixed at provider construction; this field only names it.
	Model string

	// Temperature is passed through to the provider as configured, including
	// an explicit 0.
	Temperature float64

	// MaxTokens caps the completion length. Default: 600.
	MaxTokens int

	// Timeout bounds each enrichment call. Default: 30s.
	Timeout time.Duration

	// HistorySize caps how many transcript fragments a session window holds.
	// Default: 5.
	HistorySize int

	// HistoryMaxAge expires fragments from the window. Default: 10m.
	HistoryMaxAge time.Duration

	// Breaker optionally sheds calls after repeated failures. Nil disables
	// shedding.
	Breaker *resilience.CircuitBreaker

	// Metrics optionally records enrichment outcomes and latency. Nil
	// disables recording.
	Metrics *observe.Metrics
}

// Enricher issues background enrichment calls for finished transcripts.
// Safe for concurrent use across sessions; per-session state lives in the
// [History] passed to [Enricher.Enrich].
type Enricher struct {
	llm       llm.Provider
	model     string
	temp      float64
	maxTokens int
	timeout   time.Duration
	histSize  int
	histAge   time.Duration
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
	now       func() time.Time

	// wg tracks in-flight enrichment goroutines so shutdown (and tests) can
	// wait for them.
	wg sync.WaitGroup
}

// New creates an [Enricher] backed by the given provider. A nil provider
// yields a nil Enricher, whose methods all no-op.
func New(provider llm.Provider, cfg Config) *Enricher {
	if provider == nil {
		return nil
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Enricher{
		llm:       provider,
		model:     cfg.Model,
		temp:      cfg.Temperature,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		histSize:  cfg.HistorySize,
		histAge:   cfg.HistoryMaxAge,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// NewHistory returns a [History] sized to the enricher's configured window.
// On a nil Enricher it returns nil, which [Enricher.Enrich] accepts.
func (e *Enricher) NewHistory() *History {
	if e == nil {
		return nil
	}
	return NewHistory(e.histSize, e.histAge)
}

// Enrich records text in hist and spawns a background call for the joined
// window. deliver receives the finished payload and must be safe to call
// from another goroutine after the session has begun closing.
//
// The call inherits ctx, so disconnecting the session cancels in-flight
// work. Enrich itself never blocks beyond the history bookkeeping.
func (e *Enricher) Enrich(ctx context.Context, hist *History, text string, deliver func(protocol.ContextPartial)) {
	if e == nil {
		return
	}

	combined := strings.TrimSpace(text)
	if hist != nil {
		hist.Add(text)
		combined = hist.Joined()
	}
	if combined == "" {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, combined, deliver)
	}()
}

// Wait blocks until every in-flight enrichment call has finished. Called
// during shutdown; tests use it to synchronise with delivery.
func (e *Enricher) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// run performs one enrichment call end to end: complete, parse, deliver.
func (e *Enricher) run(ctx context.Context, transcript string, deliver func(protocol.ContextPartial)) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  e.temp,
		MaxTokens:    e.maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(userPromptTemplate, transcript)},
		},
	}

	start := e.now()
	var resp *llm.CompletionResponse
	call := func() error {
		var err error
		resp, err = e.llm.Complete(ctx, req)
		return err
	}

	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(call)
	} else {
		err = call()
	}

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Debug("enrichment shed by circuit breaker", "model", e.model)
			e.metrics.RecordEnrichment(ctx, "shed")
			return
		}
		slog.Warn("enrichment request failed", "model", e.model, "error", err)
		e.metrics.RecordEnrichment(ctx, "error")
		return
	}
	if e.metrics != nil {
		e.metrics.EnrichmentDuration.Record(ctx, e.now().Sub(start).Seconds())
	}

	contextText, ok := ExtractContext(resp.Content)
	if !ok {
		slog.Warn("enrichment response unparseable",
			"model", e.model,
			"response_bytes", len(resp.Content))
		e.metrics.RecordEnrichment(ctx, "unparsed")
		return
	}

	status := "delivered"
	if contextText == "" {
		contextText = fallbackContext
		status = "fallback"
	}

	deliver(protocol.NewContextPartial(
		contextText,
		e.model,
		e.now(),
		utf8.RuneCountInString(transcript),
	))
	e.metrics.RecordEnrichment(ctx, status)
}
