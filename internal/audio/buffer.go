// Package audio provides the sample-domain plumbing for the ingestion
// pipeline: decoding wire payloads into float32 samples, linear resampling,
// PCM encoding, and the per-connection window buffer that accumulates audio
// between decodes.
//
// All PCM byte slices in this package are 16-bit signed little-endian mono.
package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is fixed at 2 for 16-bit signed PCM.
const bytesPerSample = 2

// Buffer accumulates 16-bit signed little-endian mono PCM at a fixed sample
// rate. It is append-only between decodes; after a decode the owner trims it
// down to the configured overlap via [Buffer.TrimToOverlap].
//
// Buffer is not safe for concurrent use. Each connection's read loop owns its
// buffer exclusively, so no locking is required.
type Buffer struct {
	sampleRate int
	data       []byte
}

// NewBuffer creates an empty Buffer for PCM at the given sample rate.
func NewBuffer(sampleRate int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate %d must be positive", sampleRate)
	}
	return &Buffer{sampleRate: sampleRate}, nil
}

// Append adds pcm to the end of the buffer. The chunk must hold whole 16-bit
// samples; a trailing odd byte would desynchronise every later sample, so
// misaligned chunks are rejected.
func (b *Buffer) Append(pcm []byte) error {
	if len(pcm)%bytesPerSample != 0 {
		return fmt.Errorf("audio: chunk of %d bytes is not sample-aligned", len(pcm))
	}
	b.data = append(b.data, pcm...)
	return nil
}

// Len returns the buffered size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// SampleRate returns the fixed sample rate the buffer was created with.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Duration returns the buffered audio duration.
func (b *Buffer) Duration() time.Duration {
	samples := len(b.data) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Window returns a copy of the entire buffered audio, suitable for handing to
// a decoder while the buffer continues to accumulate new samples.
func (b *Buffer) Window() []byte {
	if len(b.data) == 0 {
		return nil
	}
	w := make([]byte, len(b.data))
	copy(w, b.data)
	return w
}

// TrimToOverlap discards everything except the most recent overlap worth of
// audio, so the next window starts with the tail of the previous one and word
// boundaries split across window edges are re-decoded rather than lost. When
// the buffer holds less than overlap, it is left untouched.
//
// The retained slice is copied into a fresh allocation so the large backing
// array of the pre-decode buffer can be collected.
func (b *Buffer) TrimToOverlap(overlap time.Duration) {
	keep := b.bytesFor(overlap)
	if keep >= len(b.data) {
		return
	}
	if keep <= 0 {
		b.data = nil
		return
	}
	tail := make([]byte, keep)
	copy(tail, b.data[len(b.data)-keep:])
	b.data = tail
}

// bytesFor converts a duration to a sample-aligned byte count at the buffer's
// rate.
func (b *Buffer) bytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(b.sampleRate) / int64(time.Second))
	return samples * bytesPerSample
}
