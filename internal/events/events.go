// Package events defines the typed player event surface and a small
// dispatch bus. Components report policy-relevant conditions (bitrate
// changes, tune failures, stalls) here instead of acting on them locally.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// Type identifies a player event.
type Type int

const (
	// EventBitrateChanged fires when the ABR selector switches profile.
	EventBitrateChanged Type = iota
	// EventInitialCachingComplete fires once the configured minimum
	// seconds of video have been cached after tune.
	EventInitialCachingComplete
	// EventDiscontinuity fires once per paired discontinuity.
	EventDiscontinuity
	// EventStall fires when PTS progress stops while caches are empty.
	EventStall
	// EventTuneFailed fires when the tune attempt is abandoned.
	EventTuneFailed
	// EventEndOfStream fires when all enabled tracks reach end of stream.
	EventEndOfStream
)

func (t Type) String() string {
	switch t {
	case EventBitrateChanged:
		return "bitrate_changed"
	case EventInitialCachingComplete:
		return "initial_caching_complete"
	case EventDiscontinuity:
		return "discontinuity"
	case EventStall:
		return "stall"
	case EventTuneFailed:
		return "tune_failed"
	case EventEndOfStream:
		return "end_of_stream"
	default:
		return "unknown"
	}
}

// BitrateChangeReason explains a profile switch.
type BitrateChangeReason int

const (
	// ReasonBandwidth is a throughput-driven change.
	ReasonBandwidth BitrateChangeReason = iota
	// ReasonRampDownError is a direct rampdown after an HTTP failure.
	ReasonRampDownError
	// ReasonBufferHigh is a buffer-streak driven rampup.
	ReasonBufferHigh
	// ReasonBufferLow is a buffer-streak driven rampdown.
	ReasonBufferLow
)

func (r BitrateChangeReason) String() string {
	switch r {
	case ReasonBandwidth:
		return "bandwidth"
	case ReasonRampDownError:
		return "rampdown_error"
	case ReasonBufferHigh:
		return "buffer_high"
	case ReasonBufferLow:
		return "buffer_low"
	default:
		return "unknown"
	}
}

// TuneFailureReason is the error taxonomy for abandoned tune attempts.
type TuneFailureReason int

const (
	// FailureManifest covers malformed playlists, zero profiles and zero
	// duration content.
	FailureManifest TuneFailureReason = iota
	// FailureDownload is a consecutive fragment download failure overrun.
	FailureDownload
	// FailureDRM covers license and decrypt failures.
	FailureDRM
	// FailureSync means tracks could not be aligned for playback start.
	FailureSync
	// FailurePTS is repeated sink rejection of injected fragments.
	FailurePTS
)

func (r TuneFailureReason) String() string {
	switch r {
	case FailureManifest:
		return "manifest"
	case FailureDownload:
		return "download"
	case FailureDRM:
		return "drm"
	case FailureSync:
		return "sync"
	case FailurePTS:
		return "pts"
	default:
		return "unknown"
	}
}

// Event is a single player event. Payload fields are populated per type;
// unset fields are zero.
type Event struct {
	ID   string
	Type Type
	At   time.Time

	// Bitrate change payload.
	FromBitrate  int64
	ToBitrate    int64
	ChangeReason BitrateChangeReason

	// Failure payload.
	FailureReason TuneFailureReason
	Track         media.TrackType
	HTTPCode      int
	DRMSubCode    int
	URL           string
	Err           error
}

// Listener receives dispatched events. Callbacks run on the publisher's
// goroutine and must not block.
type Listener func(Event)

// Bus is a minimal fan-out event dispatcher.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all events.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish stamps and dispatches an event to all listeners.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
