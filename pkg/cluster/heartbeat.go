package cluster

import (
	"math"
	"time"
)

// DefaultHeartbeatWindow is the number of RTT samples kept per peer
const DefaultHeartbeatWindow = 1024

// HeartbeatWindow is a fixed-capacity ring of round-trip samples in
// microseconds with running sum and sum of squares, so mean and variance
// cost O(1) per sample.
type HeartbeatWindow struct {
	samples []int64
	pos     int
	sum     int64
	sqSum   int64
	full    bool
}

// NewHeartbeatWindow allocates a window holding size samples
func NewHeartbeatWindow(size int) HeartbeatWindow {
	if size < 1 {
		size = 1
	}
	return HeartbeatWindow{samples: make([]int64, size)}
}

// Push records one RTT, evicting the oldest sample once the ring is full
func (w *HeartbeatWindow) Push(rtt time.Duration) {
	us := rtt.Microseconds()
	if us < 0 {
		us = 0
	}

	old := w.samples[w.pos]
	w.sum -= old
	w.sqSum -= old * old

	w.samples[w.pos] = us
	w.sum += us
	w.sqSum += us * us

	w.pos++
	if w.pos == len(w.samples) {
		w.pos = 0
		w.full = true
	}
}

// Full reports whether the ring has wrapped at least once
func (w *HeartbeatWindow) Full() bool {
	return w.full
}

// Len returns the number of samples currently held
func (w *HeartbeatWindow) Len() int {
	if w.full {
		return len(w.samples)
	}
	return w.pos
}

// Mean returns the average RTT of the held samples
func (w *HeartbeatWindow) Mean() time.Duration {
	n := w.Len()
	if n == 0 {
		return 0
	}
	return time.Duration(float64(w.sum)/float64(n)) * time.Microsecond
}

// StdDev returns the population standard deviation of the held samples
func (w *HeartbeatWindow) StdDev() time.Duration {
	n := w.Len()
	if n == 0 {
		return 0
	}
	mean := float64(w.sum) / float64(n)
	variance := float64(w.sqSum)/float64(n) - mean*mean
	if variance < 0 {
		// float rounding on near-constant streams
		variance = 0
	}
	return time.Duration(math.Sqrt(variance)) * time.Microsecond
}

// Deadline is how long to wait for a heartbeat reply. Until the window has
// filled once the configured initial timeout applies; after that it is
// mean + k*stddev, never below floor.
func (w *HeartbeatWindow) Deadline(initial, floor time.Duration, k float64) time.Duration {
	if !w.full {
		return initial
	}
	n := float64(len(w.samples))
	mean := float64(w.sum) / n
	variance := float64(w.sqSum)/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	d := time.Duration((mean + k*math.Sqrt(variance)) * float64(time.Microsecond))
	if d < floor {
		return floor
	}
	return d
}

// Reset drops all samples but keeps the capacity
func (w *HeartbeatWindow) Reset() {
	for i := range w.samples {
		w.samples[i] = 0
	}
	w.pos = 0
	w.sum = 0
	w.sqSum = 0
	w.full = false
}
