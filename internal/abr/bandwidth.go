// Package abr implements adaptive bitrate profile selection: a network
// throughput estimator fed by fragment downloads and the rampup/rampdown
// decision logic consulted by the fetchers.
package abr

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBandwidthWindowSize is the number of transfer samples kept for the
// rolling estimate.
const DefaultBandwidthWindowSize = 10

// transferSample is a single fragment download measurement.
type transferSample struct {
	bytes   uint64
	elapsed time.Duration
}

// BandwidthTracker estimates available network throughput from fragment
// transfers. It maintains a sliding window of samples; the estimate is the
// aggregate rate over the window, which smooths per-fragment jitter.
type BandwidthTracker struct {
	totalBytes atomic.Uint64

	mu         sync.RWMutex
	samples    []transferSample
	windowSize int
}

// NewBandwidthTracker creates a tracker with the default window.
func NewBandwidthTracker() *BandwidthTracker {
	return NewBandwidthTrackerWithWindow(DefaultBandwidthWindowSize)
}

// NewBandwidthTrackerWithWindow creates a tracker with a custom window.
func NewBandwidthTrackerWithWindow(windowSize int) *BandwidthTracker {
	if windowSize <= 0 {
		windowSize = DefaultBandwidthWindowSize
	}
	return &BandwidthTracker{
		samples:    make([]transferSample, 0, windowSize),
		windowSize: windowSize,
	}
}

// RecordTransfer records one completed fragment download.
func (t *BandwidthTracker) RecordTransfer(bytes uint64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	t.totalBytes.Add(bytes)

	t.mu.Lock()
	t.samples = append(t.samples, transferSample{bytes: bytes, elapsed: elapsed})
	if len(t.samples) > t.windowSize {
		t.samples = t.samples[len(t.samples)-t.windowSize:]
	}
	t.mu.Unlock()
}

// EstimateBps returns the estimated available bandwidth in bits per second,
// or 0 when no usable samples exist (e.g. after repeated timeouts).
func (t *BandwidthTracker) EstimateBps() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return 0
	}
	var bytes uint64
	var elapsed time.Duration
	for _, s := range t.samples {
		bytes += s.bytes
		elapsed += s.elapsed
	}
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(bytes*8) / elapsed.Seconds())
}

// TotalBytes returns the cumulative bytes transferred.
func (t *BandwidthTracker) TotalBytes() uint64 {
	return t.totalBytes.Load()
}

// Reset clears the sample window. Called after repeated timeouts so a
// stale estimate does not mask a degraded network.
func (t *BandwidthTracker) Reset() {
	t.mu.Lock()
	t.samples = t.samples[:0]
	t.mu.Unlock()
}
