// Package sync implements the cross-track discontinuity barrier. Video
// and audio (and subtitle, when enabled) must reach a matching
// discontinuity point before exactly one downstream discontinuity signal
// is issued; the barrier is an explicit state machine driven by per-track
// arrival messages rather than shared condition variables.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/media"
)

// PairState is the barrier lifecycle for one discontinuity pairing.
type PairState int

const (
	// StateFree means no track is waiting at a discontinuity.
	StateFree PairState = iota
	// StateWaitingOnOne means one track arrived and is blocked on its
	// partner.
	StateWaitingOnOne
	// StateBoth means all participants arrived; the signal is being
	// issued.
	StateBoth
	// StateResolved means the pairing completed and the barrier is
	// recycling to Free.
	StateResolved
)

func (s PairState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateWaitingOnOne:
		return "waiting_on_one"
	case StateBoth:
		return "both"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ErrCancelled means the barrier was torn down while a track waited.
var ErrCancelled = errors.New("discontinuity wait cancelled")

// Decision is the outcome of one arrival.
type Decision struct {
	// Signal is true for exactly one participant per pairing: that
	// caller pushes the discontinuity downstream.
	Signal bool
	// ForceReleased means the partner never arrived within the stall
	// window and the wait was broken rather than deadlocking.
	ForceReleased bool
	// Drop means the force-released discontinuity should be silently
	// discarded instead of scheduling a retune.
	Drop bool
}

// arrival is one track's report that it reached a discontinuity.
type arrival struct {
	track media.TrackType
	pdt   time.Time
}

// pairing is one in-flight barrier generation.
type pairing struct {
	arrived map[media.TrackType]arrival
	done    chan struct{}
	// signaller is the participant elected to push the signal.
	signaller media.TrackType
}

// Coordinator pairs discontinuities across tracks.
type Coordinator struct {
	cfg    config.SyncConfig
	bus    *events.Bus
	logger *slog.Logger

	mu           stdsync.Mutex
	state        PairState
	participants map[media.TrackType]bool
	current      *pairing
	muxed        bool
	cancelCh     chan struct{}
}

// NewCoordinator creates a barrier for the given enabled tracks. Subtitle
// participation is optional; iframe tracks never participate.
func NewCoordinator(cfg config.SyncConfig, bus *events.Bus, logger *slog.Logger, tracks ...media.TrackType) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	participants := make(map[media.TrackType]bool, len(tracks))
	for _, t := range tracks {
		if t == media.TrackIframe {
			continue
		}
		participants[t] = true
	}
	return &Coordinator{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		state:        StateFree,
		participants: participants,
		cancelCh:     make(chan struct{}),
	}
}

// SetMuxed marks the stream as carrying muxed audio+video in one physical
// track. Arrivals then resolve immediately and broadcast to the synthetic
// audio designation without a real partner.
func (c *Coordinator) SetMuxed(muxed bool) {
	c.mu.Lock()
	c.muxed = muxed
	c.mu.Unlock()
}

// State returns the current barrier state, for diagnostics.
func (c *Coordinator) State() PairState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Arrive reports that a track reached a discontinuity boundary and blocks
// until every participant arrives, the stall window expires, the context
// is cancelled, or the coordinator is torn down. pdt may be zero when the
// playlist carries no program-date-time.
func (c *Coordinator) Arrive(ctx context.Context, track media.TrackType, pdt time.Time) (Decision, error) {
	c.mu.Lock()
	if c.muxed {
		c.mu.Unlock()
		c.publishDiscontinuity(track)
		c.publishDiscontinuity(media.TrackAudio)
		return Decision{Signal: true}, nil
	}
	if !c.participants[track] {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("track %s is not a barrier participant", track)
	}
	if len(c.participants) == 1 {
		// Sole participant: nothing to pair with.
		c.mu.Unlock()
		c.publishDiscontinuity(track)
		return Decision{Signal: true}, nil
	}

	p := c.current
	if p == nil {
		p = &pairing{
			arrived: make(map[media.TrackType]arrival, len(c.participants)),
			done:    make(chan struct{}),
		}
		c.current = p
		c.state = StateWaitingOnOne
	}
	if _, dup := p.arrived[track]; dup {
		c.mu.Unlock()
		return Decision{}, fmt.Errorf("track %s already waiting at barrier", track)
	}
	p.arrived[track] = arrival{track: track, pdt: pdt}

	if len(p.arrived) == len(c.participants) {
		// Last arriver completes the pairing and carries the signal.
		c.state = StateBoth
		p.signaller = track
		close(p.done)
		c.state = StateResolved
		c.current = nil
		c.state = StateFree
		c.mu.Unlock()

		c.logger.Debug("discontinuity pairing complete",
			slog.String("completed_by", track.String()))
		c.publishDiscontinuity(track)
		return Decision{Signal: true}, nil
	}

	cancel := c.cancelCh
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.PTSStallWindow)
	defer timer.Stop()

	select {
	case <-p.done:
		return Decision{}, nil
	case <-timer.C:
		return c.forceRelease(p, track)
	case <-cancel:
		c.abandon(p, track)
		return Decision{}, ErrCancelled
	case <-ctx.Done():
		c.abandon(p, track)
		return Decision{}, ctx.Err()
	}
}

// forceRelease breaks a wait whose partner never showed. The discontinuity
// is either dropped or carried forward alone, per configuration.
func (c *Coordinator) forceRelease(p *pairing, track media.TrackType) (Decision, error) {
	c.mu.Lock()
	if c.current != p {
		// Pairing resolved while the timer fired; treat as a normal
		// release.
		c.mu.Unlock()
		return Decision{}, nil
	}
	c.current = nil
	c.state = StateFree
	drop := c.cfg.DropUnpairedDiscontinuity
	c.mu.Unlock()

	c.logger.Warn("discontinuity partner never arrived, force-releasing",
		slog.String("track", track.String()),
		slog.Duration("stall_window", c.cfg.PTSStallWindow),
		slog.Bool("drop", drop))

	if !drop {
		c.publishDiscontinuity(track)
	}
	return Decision{Signal: !drop, ForceReleased: true, Drop: drop}, nil
}

// abandon removes a cancelled waiter from the pairing so a later arrival
// does not count a ghost participant.
func (c *Coordinator) abandon(p *pairing, track media.TrackType) {
	c.mu.Lock()
	if c.current == p {
		delete(p.arrived, track)
		if len(p.arrived) == 0 {
			c.current = nil
			c.state = StateFree
		}
	}
	c.mu.Unlock()
}

// Cancel releases every blocked waiter with ErrCancelled. New arrivals
// after Cancel start a fresh pairing.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	close(c.cancelCh)
	c.cancelCh = make(chan struct{})
	c.current = nil
	c.state = StateFree
	c.mu.Unlock()
}

func (c *Coordinator) publishDiscontinuity(track media.TrackType) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:  events.EventDiscontinuity,
		Track: track,
	})
}
