package abr

import (
	"log/slog"
	"sync"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
)

// bandwidthSafetyFactor discounts the raw estimate before matching it to a
// profile bitrate, leaving headroom for estimate error.
const bandwidthSafetyFactor = 0.9

// Selector owns the current ABR profile and decides rampups and rampdowns
// from bandwidth estimates and buffer occupancy. A direct rampdown path
// bypasses the heuristics for HTTP fragment failures.
//
// When a rampdown trigger and a rampup streak fire in the same evaluation
// window the rampdown wins.
type Selector struct {
	mu       sync.Mutex
	profiles []playlist.Profile
	current  int

	cfg    config.ABRConfig
	bus    *events.Bus
	logger *slog.Logger

	// increaseSignals counts bitrate-increase signals seen since tune;
	// the first ConsistencyCount are ignored to avoid thrash.
	increaseSignals int
	highStreak      int
	lowStreak       int

	consecutiveRampDowns int
}

// NewSelector creates a selector starting at the given profile index.
func NewSelector(profiles []playlist.Profile, start int, cfg config.ABRConfig, bus *events.Bus, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if start < 0 {
		start = 0
	}
	if start >= len(profiles) {
		start = len(profiles) - 1
	}
	return &Selector{
		profiles: profiles,
		current:  start,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// CurrentProfile returns the active profile.
func (s *Selector) CurrentProfile() playlist.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[s.current]
}

// CurrentIndex returns the active profile index.
func (s *Selector) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ProfileCount returns the ladder size.
func (s *Selector) ProfileCount() int {
	return len(s.profiles)
}

// Evaluate runs the steady-state decision after an injected fragment or at
// a network-idle point. It returns true when the profile changed.
func (s *Selector) Evaluate(bandwidthBps int64, bufferedSeconds float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.current
	if bandwidthBps > 0 {
		candidate = s.profileForBandwidth(bandwidthBps)
	}

	switch {
	case candidate < s.current:
		// Marginal dips are tolerated while the buffer still has
		// headroom; only a critically low buffer forces the single-step
		// rampdown through.
		oneStep := candidate == s.current-1
		criticallyLow := bufferedSeconds < s.cfg.LowBufferSeconds/2
		if oneStep && !criticallyLow {
			s.resetStreaks()
			return false
		}
		return s.switchTo(candidate, events.ReasonBandwidth)

	case candidate > s.current:
		s.increaseSignals++
		if s.increaseSignals <= s.cfg.ConsistencyCount {
			return false
		}
		return s.switchTo(candidate, events.ReasonBandwidth)
	}

	// No bandwidth-driven change: fall back to buffer streaks.
	if bufferedSeconds > s.cfg.HighBufferSeconds {
		s.highStreak++
		s.lowStreak = 0
		if s.highStreak >= s.cfg.SteadyStreak && s.current < len(s.profiles)-1 {
			s.highStreak = 0
			return s.switchTo(s.current+1, events.ReasonBufferHigh)
		}
		return false
	}
	if bandwidthBps <= 0 && bufferedSeconds < s.cfg.LowBufferSeconds {
		s.lowStreak++
		s.highStreak = 0
		if s.lowStreak >= s.cfg.SteadyStreak && s.current > 0 {
			s.lowStreak = 0
			return s.switchTo(s.current-1, events.ReasonBufferLow)
		}
		return false
	}

	s.resetStreaks()
	return false
}

// RampDownProfile performs an immediate one-step rampdown, bypassing the
// steady-state heuristics. Returns false when already at the lowest profile
// or the consecutive rampdown limit is exhausted.
func (s *Selector) RampDownProfile(httpCode int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == 0 {
		return false
	}
	if s.cfg.RampDownLimit >= 0 && s.consecutiveRampDowns >= s.cfg.RampDownLimit {
		s.logger.Warn("rampdown limit reached, retaining profile",
			slog.Int("limit", s.cfg.RampDownLimit),
			slog.Int("http_code", httpCode))
		return false
	}

	target := s.current - 1
	s.logger.Info("ramping down on fragment failure",
		slog.Int("http_code", httpCode),
		slog.Int64("from", s.profiles[s.current].Bandwidth),
		slog.Int64("to", s.profiles[target].Bandwidth))
	return s.switchTo(target, events.ReasonRampDownError)
}

// NotifyFragmentSuccess resets the consecutive rampdown counter once a
// fragment downloads cleanly at the current profile.
func (s *Selector) NotifyFragmentSuccess() {
	s.mu.Lock()
	s.consecutiveRampDowns = 0
	s.mu.Unlock()
}

// switchTo moves to the target profile and publishes the change (caller
// holds the lock).
func (s *Selector) switchTo(target int, reason events.BitrateChangeReason) bool {
	if target == s.current || target < 0 || target >= len(s.profiles) {
		return false
	}
	from := s.profiles[s.current]
	to := s.profiles[target]

	if target < s.current {
		s.consecutiveRampDowns++
	} else {
		s.consecutiveRampDowns = 0
	}
	s.current = target
	s.resetStreaks()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:         events.EventBitrateChanged,
			FromBitrate:  from.Bandwidth,
			ToBitrate:    to.Bandwidth,
			ChangeReason: reason,
		})
	}
	s.logger.Info("profile changed",
		slog.Int64("from_bps", from.Bandwidth),
		slog.Int64("to_bps", to.Bandwidth),
		slog.String("reason", reason.String()))
	return true
}

// profileForBandwidth returns the highest ladder index whose bitrate fits
// within the discounted bandwidth estimate (caller holds the lock).
func (s *Selector) profileForBandwidth(bps int64) int {
	usable := int64(float64(bps) * bandwidthSafetyFactor)
	best := 0
	for i, p := range s.profiles {
		if p.Bandwidth <= usable {
			best = i
		}
	}
	return best
}

func (s *Selector) resetStreaks() {
	s.highStreak = 0
	s.lowStreak = 0
}
