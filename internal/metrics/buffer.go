package metrics

import "time"

// DefaultBufferCapacity is the per-stream buffer size when none is
// configured.
const DefaultBufferCapacity = 1000

// Buffer is a fixed-capacity, time-ordered sample container for one
// metric stream. Appends are O(1); the oldest sample is evicted once
// capacity is reached. Buffer performs no locking of its own - the
// Aggregator owns each buffer behind its lock, and readers only ever
// receive copies.
type Buffer struct {
	samples []Sample
	head    int // index of the oldest sample
	size    int
}

// NewBuffer creates a buffer with the given capacity. Non-positive
// capacities fall back to DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{samples: make([]Sample, capacity)}
}

// Append adds a sample, evicting the oldest when full.
func (b *Buffer) Append(s Sample) {
	if b.size < len(b.samples) {
		b.samples[(b.head+b.size)%len(b.samples)] = s
		b.size++
		return
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.samples) }

// Recent returns the most recent n samples (or fewer if the buffer
// holds less) in chronological order. The returned slice is a copy.
func (b *Buffer) Recent(n int) []Sample {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Sample, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.samples[(b.head+start+i)%len(b.samples)]
	}
	return out
}

// Window returns all samples recorded at or after now-d, in
// chronological order.
func (b *Buffer) Window(d time.Duration, now time.Time) []Sample {
	cutoff := now.Add(-d)
	var out []Sample
	for i := 0; i < b.size; i++ {
		s := b.samples[(b.head+i)%len(b.samples)]
		if !s.SampleTime().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns a copy of everything buffered, oldest first.
func (b *Buffer) Snapshot() []Sample {
	return b.Recent(b.size)
}

// Latest returns the newest sample, if any.
func (b *Buffer) Latest() (Sample, bool) {
	if b.size == 0 {
		return nil, false
	}
	return b.samples[(b.head+b.size-1)%len(b.samples)], true
}
