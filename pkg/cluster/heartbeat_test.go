package cluster

import (
	"math"
	"testing"
	"time"
)

// TestHeartbeatWindowStats tests running mean and standard deviation
func TestHeartbeatWindowStats(t *testing.T) {
	w := NewHeartbeatWindow(4)
	for _, ms := range []int{10, 20, 30} {
		w.Push(time.Duration(ms) * time.Millisecond)
	}

	if w.Len() != 3 {
		t.Errorf("Expected 3 samples, got %d", w.Len())
	}
	if w.Full() {
		t.Error("Window should not be full before it wraps")
	}
	if w.Mean() != 20*time.Millisecond {
		t.Errorf("Expected mean 20ms, got %v", w.Mean())
	}
	// population stddev of {10,20,30} is sqrt(200/3) ms
	want := time.Duration(math.Sqrt(200.0/3.0) * float64(time.Millisecond))
	if diff := w.StdDev() - want; diff > 2*time.Microsecond || diff < -2*time.Microsecond {
		t.Errorf("Expected stddev %v, got %v", want, w.StdDev())
	}
}

// TestHeartbeatWindowEviction tests that the oldest sample leaves the sums
func TestHeartbeatWindowEviction(t *testing.T) {
	w := NewHeartbeatWindow(2)
	w.Push(10 * time.Millisecond)
	w.Push(20 * time.Millisecond)
	if !w.Full() {
		t.Fatal("Window should be full after wrapping")
	}
	w.Push(40 * time.Millisecond)

	if w.Len() != 2 {
		t.Errorf("Expected 2 samples, got %d", w.Len())
	}
	if w.Mean() != 30*time.Millisecond {
		t.Errorf("Expected mean 30ms after eviction, got %v", w.Mean())
	}
	if w.StdDev() != 10*time.Millisecond {
		t.Errorf("Expected stddev 10ms after eviction, got %v", w.StdDev())
	}
}

// TestHeartbeatDeadlineBeforeFull tests the initial timeout applies until the window wraps
func TestHeartbeatDeadlineBeforeFull(t *testing.T) {
	w := NewHeartbeatWindow(8)
	for i := 0; i < 7; i++ {
		w.Push(time.Millisecond)
	}
	if got := w.Deadline(time.Second, 10*time.Millisecond, 4); got != time.Second {
		t.Errorf("Expected initial timeout 1s, got %v", got)
	}

	w.Push(time.Millisecond)
	if got := w.Deadline(time.Second, 10*time.Millisecond, 4); got != 10*time.Millisecond {
		t.Errorf("Expected floor 10ms once full, got %v", got)
	}
}

// TestHeartbeatDeadlineConvergence tests that a steady RTT stream yields a
// stable deadline once the window fills
func TestHeartbeatDeadlineConvergence(t *testing.T) {
	pattern := []int{50, 52, 48, 51, 49}
	const k = 4.0
	floor := 10 * time.Millisecond

	w := NewHeartbeatWindow(DefaultHeartbeatWindow)
	i := 0
	for !w.Full() {
		w.Push(time.Duration(pattern[i%len(pattern)]) * time.Millisecond)
		i++
	}

	// mean 50ms, population stddev sqrt(2) ms
	expected := (50 + k*math.Sqrt(2)) * float64(time.Millisecond)
	base := w.Deadline(time.Second, floor, k)
	if math.Abs(float64(base)-expected) > 0.05*expected {
		t.Fatalf("Deadline %v is not within 5%% of %v", base, time.Duration(expected))
	}

	for j := 0; j < 5*len(pattern); j++ {
		w.Push(time.Duration(pattern[i%len(pattern)]) * time.Millisecond)
		i++
		d := w.Deadline(time.Second, floor, k)
		if math.Abs(float64(d-base)) > 0.05*float64(base) {
			t.Fatalf("Deadline drifted to %v from %v after %d samples", d, base, i)
		}
	}
}

// TestHeartbeatWindowReset tests that reset forgets samples and fullness
func TestHeartbeatWindowReset(t *testing.T) {
	w := NewHeartbeatWindow(2)
	w.Push(time.Millisecond)
	w.Push(time.Millisecond)
	w.Reset()

	if w.Len() != 0 || w.Full() || w.Mean() != 0 {
		t.Errorf("Expected empty window after reset, got len=%d full=%v mean=%v", w.Len(), w.Full(), w.Mean())
	}
	if got := w.Deadline(time.Second, time.Millisecond, 4); got != time.Second {
		t.Errorf("Expected initial timeout after reset, got %v", got)
	}
}
