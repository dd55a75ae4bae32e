// Package track implements the per-track fetch and inject halves of the
// pipeline and the shared progress table the pacing rules read.
package track

import (
	"context"
	"sync"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// trackProgress is one track's injection state.
type trackProgress struct {
	position     float64
	fragDuration float64
	done         bool
}

// Progress is the shared cross-track injection progress table. Injectors
// publish their position after every fragment; pacing waits block on the
// notify channel until some track advances.
type Progress struct {
	mu      sync.Mutex
	tracks  map[media.TrackType]*trackProgress
	enabled map[media.TrackType]bool
	notify  chan struct{}
}

// NewProgress creates a progress table for the enabled tracks.
func NewProgress(tracks ...media.TrackType) *Progress {
	enabled := make(map[media.TrackType]bool, len(tracks))
	for _, t := range tracks {
		enabled[t] = true
	}
	return &Progress{
		tracks:  make(map[media.TrackType]*trackProgress),
		enabled: enabled,
		notify:  make(chan struct{}),
	}
}

// Enabled reports whether a track participates in the session.
func (p *Progress) Enabled(track media.TrackType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[track]
}

// Update publishes a track's injected position and last fragment duration,
// waking every pacing waiter.
func (p *Progress) Update(track media.TrackType, position, fragDuration float64) {
	p.mu.Lock()
	tp := p.tracks[track]
	if tp == nil {
		tp = &trackProgress{}
		p.tracks[track] = tp
	}
	tp.position = position
	tp.fragDuration = fragDuration
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

// MarkDone flags a track as having reached end of stream so peers stop
// pacing against it.
func (p *Progress) MarkDone(track media.TrackType) {
	p.mu.Lock()
	tp := p.tracks[track]
	if tp == nil {
		tp = &trackProgress{}
		p.tracks[track] = tp
	}
	tp.done = true
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

// Position returns a track's injected position and last fragment duration.
func (p *Progress) Position(track media.TrackType) (position, fragDuration float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp := p.tracks[track]
	if tp == nil {
		return 0, 0, false
	}
	return tp.position, tp.fragDuration, true
}

// allowed evaluates the pacing rule for injecting a fragment starting at
// position on the given track. Audio must not outrun video by more than
// one video fragment; subtitle must not outrun audio by more than one
// audio fragment plus the configured lead.
func (p *Progress) allowed(track media.TrackType, position, subtitleLead float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	check := func(peer media.TrackType, slack float64) bool {
		if !p.enabled[peer] {
			return true
		}
		tp := p.tracks[peer]
		if tp == nil {
			// Peer has not injected yet: only its first fragment window
			// is open.
			return position <= slack
		}
		if tp.done {
			return true
		}
		return position <= tp.position+tp.fragDuration+slack
	}

	switch track {
	case media.TrackAudio:
		return check(media.TrackVideo, 0)
	case media.TrackSubtitle:
		return check(media.TrackAudio, subtitleLead)
	default:
		return true
	}
}

// WaitAllowed blocks until the pacing rule admits the fragment or the
// context is cancelled.
func (p *Progress) WaitAllowed(ctx context.Context, track media.TrackType, position, subtitleLead float64) error {
	for {
		p.mu.Lock()
		notify := p.notify
		p.mu.Unlock()

		if p.allowed(track, position, subtitleLead) {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
