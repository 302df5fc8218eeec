package enrich

import (
	"strings"
	"sync"
	"time"
)

// History is a bounded window of recent transcript fragments for one session.
// Each enrichment call sends the joined window rather than only the newest
// fragment, so the model sees enough surrounding speech to fuse the clipped
// sentences that batch decoding produces.
//
// The window is bounded two ways: at most maxEntries fragments, and nothing
// older than maxAge. Safe for concurrent use.
type History struct {
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries []fragment
}

type fragment struct {
	text string
	at   time.Time
}

// NewHistory creates a [History]. Non-positive limits fall back to the
// defaults (5 fragments, 10 minutes).
func NewHistory(maxEntries int, maxAge time.Duration) *History {
	if maxEntries <= 0 {
		maxEntries = defaultHistorySize
	}
	if maxAge <= 0 {
		maxAge = defaultHistoryMaxAge
	}
	return &History{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Add appends a transcript fragment, evicting the oldest entries once the
// window is full. Blank fragments are ignored.
func (h *History) Add(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, fragment{text: text, at: h.now()})
	if n := len(h.entries) - h.maxEntries; n > 0 {
		h.entries = append(h.entries[:0], h.entries[n:]...)
	}
}

// Joined prunes fragments older than maxAge and returns the survivors joined
// by newlines, oldest first. Empty when the window is empty.
func (h *History) Joined() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.maxAge)
	kept := h.entries[:0]
	for _, f := range h.entries {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	h.entries = kept

	parts := make([]string, len(h.entries))
	for i, f := range h.entries {
		parts[i] = f.text
	}
	return strings.Join(parts, "\n")
}

// Len reports the number of fragments currently held, without pruning.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
