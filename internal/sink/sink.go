// Package sink defines the downstream media surface the injectors push
// into. The engine treats the sink as an external component: it may apply
// back-pressure by rejecting sends, and it decides whether a discontinuity
// signal propagates.
package sink

import (
	"github.com/google/uuid"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// Sample is one injected media payload.
type Sample struct {
	Track    media.TrackType
	Data     []byte
	PTS      float64
	DTS      float64
	Duration float64
}

// StreamSink receives decrypted, ordered media from the injectors.
type StreamSink interface {
	// Send pushes one sample. A false return is back-pressure: the
	// injector retries after a short delay without advancing.
	Send(sample Sample) bool

	// Discontinuity signals a timeline break on a track. A true return
	// means the sink accepted the break and the injector should advance
	// its discontinuity state machine.
	Discontinuity(track media.TrackType) bool

	// Flush discards buffered media and repositions to the given
	// presentation position and rate.
	Flush(position float64, rate float64)

	// Pause toggles downstream playback.
	Pause(paused bool)

	// IsCacheEmpty reports whether the sink has drained a track's
	// buffer. Used by the stall detector.
	IsCacheEmpty(track media.TrackType) bool

	// QueueProtectionEvent hands content-protection init data to the
	// sink ahead of the first encrypted sample.
	QueueProtectionEvent(systemID uuid.UUID, initData []byte, track media.TrackType)
}

// NullSink accepts and discards everything. Used by tests and headless
// tuning.
type NullSink struct{}

// NewNullSink returns a sink that discards all media.
func NewNullSink() *NullSink { return &NullSink{} }

func (*NullSink) Send(Sample) bool                                        { return true }
func (*NullSink) Discontinuity(media.TrackType) bool                      { return true }
func (*NullSink) Flush(float64, float64)                                  {}
func (*NullSink) Pause(bool)                                              {}
func (*NullSink) IsCacheEmpty(media.TrackType) bool                       { return true }
func (*NullSink) QueueProtectionEvent(uuid.UUID, []byte, media.TrackType) {}
