package sink

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// trackBuffer is the per-track record of what a BufferedSink received.
type trackBuffer struct {
	samples         []Sample
	bytes           int64
	discontinuities int
	protection      [][]byte
}

// BufferedSink records injected samples per track and can simulate
// downstream back-pressure. The CLI's dry-run playback and the pipeline
// tests both use it to observe exactly what reached the sink.
type BufferedSink struct {
	mu     sync.Mutex
	tracks map[media.TrackType]*trackBuffer

	// capacity bounds buffered samples per track; 0 means unbounded.
	capacity int
	paused   bool
	flushes  int
	position float64
	rate     float64

	// rejectSends forces Send to return false, for back-pressure tests.
	rejectSends bool
	// rejectDiscontinuities forces Discontinuity to return false.
	rejectDiscontinuities bool
}

// NewBufferedSink creates a recording sink. capacity bounds samples held
// per track before Send applies back-pressure; 0 disables the bound.
func NewBufferedSink(capacity int) *BufferedSink {
	return &BufferedSink{
		tracks:   make(map[media.TrackType]*trackBuffer),
		capacity: capacity,
		rate:     1.0,
	}
}

func (s *BufferedSink) buffer(track media.TrackType) *trackBuffer {
	tb := s.tracks[track]
	if tb == nil {
		tb = &trackBuffer{}
		s.tracks[track] = tb
	}
	return tb
}

func (s *BufferedSink) Send(sample Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectSends {
		return false
	}
	tb := s.buffer(sample.Track)
	if s.capacity > 0 && len(tb.samples) >= s.capacity {
		return false
	}
	tb.samples = append(tb.samples, sample)
	tb.bytes += int64(len(sample.Data))
	return true
}

func (s *BufferedSink) Discontinuity(track media.TrackType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectDiscontinuities {
		return false
	}
	s.buffer(track).discontinuities++
	return true
}

func (s *BufferedSink) Flush(position float64, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tb := range s.tracks {
		tb.samples = nil
		tb.bytes = 0
	}
	s.flushes++
	s.position = position
	s.rate = rate
}

func (s *BufferedSink) Pause(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *BufferedSink) IsCacheEmpty(track media.TrackType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	return tb == nil || len(tb.samples) == 0
}

func (s *BufferedSink) QueueProtectionEvent(_ uuid.UUID, initData []byte, track media.TrackType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := make([]byte, len(initData))
	copy(blob, initData)
	s.buffer(track).protection = append(s.buffer(track).protection, blob)
}

// Drain removes and returns up to n samples from a track, simulating
// downstream consumption.
func (s *BufferedSink) Drain(track media.TrackType, n int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	if tb == nil || len(tb.samples) == 0 {
		return nil
	}
	if n <= 0 || n > len(tb.samples) {
		n = len(tb.samples)
	}
	out := tb.samples[:n]
	tb.samples = tb.samples[n:]
	for _, sample := range out {
		tb.bytes -= int64(len(sample.Data))
	}
	return out
}

// DrainAll removes and returns every buffered sample across all tracks.
func (s *BufferedSink) DrainAll() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for _, tb := range s.tracks {
		out = append(out, tb.samples...)
		tb.samples = nil
		tb.bytes = 0
	}
	return out
}

// Samples returns a copy of the buffered samples for a track.
func (s *BufferedSink) Samples(track media.TrackType) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	if tb == nil {
		return nil
	}
	out := make([]Sample, len(tb.samples))
	copy(out, tb.samples)
	return out
}

// SampleCount reports buffered samples for a track.
func (s *BufferedSink) SampleCount(track media.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	if tb == nil {
		return 0
	}
	return len(tb.samples)
}

// Discontinuities reports accepted discontinuity signals for a track.
func (s *BufferedSink) Discontinuities(track media.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	if tb == nil {
		return 0
	}
	return tb.discontinuities
}

// ProtectionEvents reports queued protection events for a track.
func (s *BufferedSink) ProtectionEvents(track media.TrackType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb := s.tracks[track]
	if tb == nil {
		return 0
	}
	return len(tb.protection)
}

// Flushes reports how many times the sink was flushed.
func (s *BufferedSink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Paused reports the downstream pause state.
func (s *BufferedSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetRejectSends toggles forced back-pressure.
func (s *BufferedSink) SetRejectSends(reject bool) {
	s.mu.Lock()
	s.rejectSends = reject
	s.mu.Unlock()
}

// SetRejectDiscontinuities toggles forced discontinuity rejection.
func (s *BufferedSink) SetRejectDiscontinuities(reject bool) {
	s.mu.Lock()
	s.rejectDiscontinuities = reject
	s.mu.Unlock()
}
