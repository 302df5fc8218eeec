package session

import "time"

// Trigger decides when the buffered window is worth decoding. Two gates must
// hold at once: the configured interval has elapsed since the last dispatch
// (or since the connection opened), and the buffer holds at least the minimum
// duration of audio. The interval gate spaces decodes apart; the minimum gate
// keeps near-empty windows away from the model, which hallucinates on them.
//
// Trigger is not safe for concurrent use. The read loop owns it exclusively.
type Trigger struct {
	interval  time.Duration
	minBuffer time.Duration
	now       func() time.Time
	last      time.Time
}

// NewTrigger creates a Trigger armed at the current instant: the first
// dispatch cannot happen before one full interval after the connection
// opened. Non-positive arguments fall back to 6s and 2s.
func NewTrigger(interval, minBuffer time.Duration) *Trigger {
	if interval <= 0 {
		interval = DefaultDecodeInterval
	}
	if minBuffer <= 0 {
		minBuffer = DefaultMinBuffer
	}
	t := &Trigger{
		interval:  interval,
		minBuffer: minBuffer,
		now:       time.Now,
	}
	t.last = t.now()
	return t
}

// ShouldFire reports whether a decode is due for a buffer currently holding
// buffered audio.
func (t *Trigger) ShouldFire(buffered time.Duration) bool {
	return t.now().Sub(t.last) >= t.interval && buffered >= t.minBuffer
}

// Fired marks a dispatched decode, starting the next interval.
func (t *Trigger) Fired() {
	t.last = t.now()
}
