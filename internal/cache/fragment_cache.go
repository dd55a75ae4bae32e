// Package cache implements the bounded per-track fragment cache between the
// fetch and inject sides of the pipeline. It is a single-producer,
// single-consumer ring realized as a bounded channel: Put blocks while the
// cache is full, Get blocks while it is empty, and both unblock promptly
// when downloads are disabled.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/media"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
)

// Errors returned by the cache.
var (
	// ErrCacheClosed is returned after Close releases all waiters.
	ErrCacheClosed = errors.New("fragment cache closed")
	// ErrPutTimeout is returned when Put waited longer than its budget.
	ErrPutTimeout = errors.New("fragment cache full")
	// ErrEndOfStream is returned by Get once the cache drained after EOS.
	ErrEndOfStream = errors.New("end of stream")
)

// Fragment is one downloaded, decrypted fragment awaiting injection. The
// slot is exclusively owned by the fetcher until Put succeeds, then by the
// injector until released.
type Fragment struct {
	// Data is the decrypted fragment payload.
	Data []byte
	// Position is the presentation position in seconds.
	Position float64
	// Duration in seconds.
	Duration float64
	// Discontinuity marks the first fragment after a discontinuity.
	Discontinuity bool
	// Bitrate of the profile the fragment was fetched from.
	Bitrate int64
	// ProfileIndex of the profile the fragment was fetched from.
	ProfileIndex int
	// Track that fetched the fragment.
	Track media.TrackType
	// PTS and DTS in seconds for the sink.
	PTS float64
	DTS float64
	// Key carries content-protection metadata downstream when the data
	// requires sink-side sample decryption; nil for clear and software
	// decrypted fragments.
	Key *playlist.KeyMetadata
}

// Config holds cache construction parameters.
type Config struct {
	// Slots is the cache capacity in fragments.
	Slots int
	// InitialCacheSeconds of media before OnInitialCachingDone fires.
	InitialCacheSeconds float64
	// OnInitialCachingDone is invoked exactly once, from the Put path.
	OnInitialCachingDone func()
}

// FragmentCache is the bounded fragment ring for one track.
type FragmentCache struct {
	cfg   Config
	track media.TrackType

	slots  chan *Fragment
	closed chan struct{}

	eos       atomic.Bool
	eosSignal chan struct{}
	eosOnce   sync.Once
	closeOnce sync.Once

	mu             sync.Mutex
	cachedSeconds  float64
	fetchedSeconds float64
	drainCh        chan struct{}

	initialOnce sync.Once
}

// New creates a fragment cache for one track.
func New(track media.TrackType, cfg Config) *FragmentCache {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	return &FragmentCache{
		cfg:       cfg,
		track:     track,
		slots:     make(chan *Fragment, cfg.Slots),
		closed:    make(chan struct{}),
		eosSignal: make(chan struct{}),
		drainCh:   make(chan struct{}),
	}
}

// Put stores a fragment, blocking while the cache is full. A zero timeout
// blocks until a slot frees, the cache closes, or the context ends; a
// positive timeout returns ErrPutTimeout when it expires first.
func (c *FragmentCache) Put(ctx context.Context, frag *Fragment, timeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case c.slots <- frag:
	case <-c.closed:
		return ErrCacheClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timeoutCh:
		return ErrPutTimeout
	}

	c.mu.Lock()
	c.cachedSeconds += frag.Duration
	c.fetchedSeconds += frag.Duration
	fetched := c.fetchedSeconds
	c.mu.Unlock()

	// Initial caching completes at the configured threshold, or as soon
	// as the cache is physically full: a target buffer larger than the
	// cache capacity must not stall the notification forever.
	if c.cfg.OnInitialCachingDone != nil {
		if fetched >= c.cfg.InitialCacheSeconds || len(c.slots) == cap(c.slots) {
			c.initialOnce.Do(c.cfg.OnInitialCachingDone)
		}
	}
	return nil
}

// Get removes the next fragment, blocking while the cache is empty. Once
// end-of-stream is flagged and the cache has drained it returns
// ErrEndOfStream immediately instead of blocking.
func (c *FragmentCache) Get(ctx context.Context) (*Fragment, error) {
	for {
		select {
		case frag := <-c.slots:
			c.noteDrain(frag)
			return frag, nil
		default:
		}

		if c.eos.Load() {
			// Drain anything racing with the EOS flag.
			select {
			case frag := <-c.slots:
				c.noteDrain(frag)
				return frag, nil
			default:
				return nil, ErrEndOfStream
			}
		}

		select {
		case frag := <-c.slots:
			c.noteDrain(frag)
			return frag, nil
		case <-c.eosSignal:
			// Loop to drain before reporting EOS.
		case <-c.closed:
			return nil, ErrCacheClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// noteDrain does removal accounting and wakes headroom waiters.
func (c *FragmentCache) noteDrain(frag *Fragment) {
	c.mu.Lock()
	c.cachedSeconds -= frag.Duration
	close(c.drainCh)
	c.drainCh = make(chan struct{})
	c.mu.Unlock()
}

// DrainNotify returns a channel closed on the next Get. Producers bounded
// by cached seconds rather than slots wait on it.
func (c *FragmentCache) DrainNotify() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainCh
}

// SetEOS flags end of stream and wakes a blocked Get.
func (c *FragmentCache) SetEOS() {
	c.eos.Store(true)
	c.eosOnce.Do(func() { close(c.eosSignal) })
}

// IsEOS reports whether end of stream has been flagged.
func (c *FragmentCache) IsEOS() bool {
	return c.eos.Load()
}

// Close releases every blocked producer and consumer. Used when downloads
// are disabled at teardown.
func (c *FragmentCache) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Occupancy returns the number of cached fragments.
func (c *FragmentCache) Occupancy() int {
	return len(c.slots)
}

// Capacity returns the slot count.
func (c *FragmentCache) Capacity() int {
	return cap(c.slots)
}

// CachedSeconds returns the seconds of media currently cached.
func (c *FragmentCache) CachedSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedSeconds
}

// FetchedSeconds returns the cumulative seconds ever cached.
func (c *FragmentCache) FetchedSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedSeconds
}

// Track returns the owning track.
func (c *FragmentCache) Track() media.TrackType {
	return c.track
}
