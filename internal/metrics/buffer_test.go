package metrics

import (
	"testing"
	"time"
)

func sysAt(sec int) SystemMetrics {
	return SystemMetrics{
		Timestamp:     time.Unix(int64(sec), 0),
		Throughput:    float64(sec),
		AvgResponseMs: float64(sec),
	}
}

func TestBuffer_AppendBelowCapacity(t *testing.T) {
	b := NewBuffer(5)

	for i := 1; i <= 3; i++ {
		b.Append(sysAt(i))
	}

	if b.Len() != 3 {
		t.Fatalf("expected 3 samples, got %d", b.Len())
	}

	snap := b.Snapshot()
	for i, s := range snap {
		want := time.Unix(int64(i+1), 0)
		if !s.SampleTime().Equal(want) {
			t.Errorf("sample %d: expected time %v, got %v", i, want, s.SampleTime())
		}
	}
}

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	const capacity = 10
	const extra = 7
	b := NewBuffer(capacity)

	for i := 1; i <= capacity+extra; i++ {
		b.Append(sysAt(i))
	}

	if b.Len() != capacity {
		t.Fatalf("expected %d samples after overflow, got %d", capacity, b.Len())
	}

	snap := b.Snapshot()
	for i, s := range snap {
		want := time.Unix(int64(extra+i+1), 0)
		if !s.SampleTime().Equal(want) {
			t.Errorf("sample %d: expected time %v, got %v", i, want, s.SampleTime())
		}
	}
}

func TestBuffer_Recent(t *testing.T) {
	b := NewBuffer(10)
	for i := 1; i <= 6; i++ {
		b.Append(sysAt(i))
	}

	recent := b.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(recent))
	}
	if !recent[0].SampleTime().Equal(time.Unix(4, 0)) {
		t.Errorf("expected oldest of recent at t=4, got %v", recent[0].SampleTime())
	}
	if !recent[2].SampleTime().Equal(time.Unix(6, 0)) {
		t.Errorf("expected newest at t=6, got %v", recent[2].SampleTime())
	}

	// Asking for more than buffered returns everything.
	all := b.Recent(100)
	if len(all) != 6 {
		t.Errorf("expected 6 samples, got %d", len(all))
	}
}

func TestBuffer_Window(t *testing.T) {
	b := NewBuffer(10)
	for i := 1; i <= 6; i++ {
		b.Append(sysAt(i * 10))
	}

	now := time.Unix(60, 0)
	window := b.Window(25*time.Second, now)

	// Samples at t=40, 50, 60 fall inside [35, 60].
	if len(window) != 3 {
		t.Fatalf("expected 3 samples in window, got %d", len(window))
	}
	if !window[0].SampleTime().Equal(time.Unix(40, 0)) {
		t.Errorf("expected window start t=40, got %v", window[0].SampleTime())
	}
}

func TestBuffer_Latest(t *testing.T) {
	b := NewBuffer(3)

	if _, ok := b.Latest(); ok {
		t.Error("expected no latest sample in empty buffer")
	}

	b.Append(sysAt(1))
	b.Append(sysAt(2))

	s, ok := b.Latest()
	if !ok {
		t.Fatal("expected a latest sample")
	}
	if !s.SampleTime().Equal(time.Unix(2, 0)) {
		t.Errorf("expected latest at t=2, got %v", s.SampleTime())
	}
}

func TestBuffer_DefaultCapacity(t *testing.T) {
	b := NewBuffer(0)
	if b.Cap() != DefaultBufferCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultBufferCapacity, b.Cap())
	}
}
