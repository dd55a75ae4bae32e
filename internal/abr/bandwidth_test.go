package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBandwidthTracker_Empty(t *testing.T) {
	tr := NewBandwidthTracker()
	assert.Equal(t, int64(0), tr.EstimateBps())
	assert.Equal(t, uint64(0), tr.TotalBytes())
}

func TestBandwidthTracker_AggregateRate(t *testing.T) {
	tr := NewBandwidthTracker()

	// 1 MB in 1s = 8 Mbps.
	tr.RecordTransfer(1_000_000, time.Second)
	assert.Equal(t, int64(8_000_000), tr.EstimateBps())

	// A second identical sample leaves the aggregate rate unchanged.
	tr.RecordTransfer(1_000_000, time.Second)
	assert.Equal(t, int64(8_000_000), tr.EstimateBps())
	assert.Equal(t, uint64(2_000_000), tr.TotalBytes())
}

func TestBandwidthTracker_WindowEvictsOldSamples(t *testing.T) {
	tr := NewBandwidthTrackerWithWindow(2)

	tr.RecordTransfer(10_000_000, time.Second) // fast sample
	tr.RecordTransfer(1_000_000, time.Second)
	tr.RecordTransfer(1_000_000, time.Second)

	// The fast sample fell out of the window: only the 8 Mbps samples
	// remain.
	assert.Equal(t, int64(8_000_000), tr.EstimateBps())
	// Cumulative total is untouched by eviction.
	assert.Equal(t, uint64(12_000_000), tr.TotalBytes())
}

func TestBandwidthTracker_IgnoresZeroElapsed(t *testing.T) {
	tr := NewBandwidthTracker()
	tr.RecordTransfer(1_000_000, 0)
	assert.Equal(t, int64(0), tr.EstimateBps())
	assert.Equal(t, uint64(0), tr.TotalBytes())
}

func TestBandwidthTracker_Reset(t *testing.T) {
	tr := NewBandwidthTracker()
	tr.RecordTransfer(1_000_000, time.Second)
	tr.Reset()
	assert.Equal(t, int64(0), tr.EstimateBps())
	// Total bytes survive a window reset.
	assert.Equal(t, uint64(1_000_000), tr.TotalBytes())
}
