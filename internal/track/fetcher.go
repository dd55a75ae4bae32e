package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdsync "sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/abr"
	"github.com/jmylchreest/hlsplayer/internal/cache"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/download"
	"github.com/jmylchreest/hlsplayer/internal/drm"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/media"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
	"github.com/jmylchreest/hlsplayer/internal/playlistcache"
)

// ErrTrackFatal wraps download failures past the consecutive-failure
// threshold.
var ErrTrackFatal = errors.New("track failed")

// dvrWindowFactor classifies a live playlist as DVR when its window spans
// at least this many target durations; DVR content tolerates more peer
// refresh waits at a discontinuity.
const dvrWindowFactor = 4

// FetcherOptions wires one fetcher into the pipeline.
type FetcherOptions struct {
	Track     media.TrackType
	Config    *config.Config
	Client    *download.Client
	PlCache   *playlistcache.Cache
	Cache     *cache.FragmentCache
	DRM       *drm.Manager
	Selector  *abr.Selector
	Bandwidth *abr.BandwidthTracker
	// Ladder supplies per-profile playlist URIs for video and iframe
	// tracks; nil for audio and subtitle.
	Ladder *playlist.Ladder
	// PlaylistURL is the fixed media playlist URL for audio and subtitle
	// tracks; ignored when Ladder is set.
	PlaylistURL string
	Bus         *events.Bus
	Logger      *slog.Logger
	// StartPosition is the initial fetch target in seconds.
	StartPosition float64
}

// Fetcher downloads one track's fragments: it refreshes and indexes the
// media playlist, selects fragments by playback position, decrypts them,
// and stores them into the fragment cache. One goroutine runs Run per
// enabled track.
type Fetcher struct {
	track     media.TrackType
	cfg       *config.Config
	client    *download.Client
	plCache   *playlistcache.Cache
	indexer   *playlist.Indexer
	cache     *cache.FragmentCache
	drmMgr    *drm.Manager
	selector  *abr.Selector
	bandwidth *abr.BandwidthTracker
	ladder    *playlist.Ladder
	bus       *events.Bus
	logger    *slog.Logger

	peer *Fetcher

	mu           stdsync.Mutex
	playlistURL  string
	effectiveURL string
	profileIdx   int
	rate         float64
	rateCh       chan struct{}
	refreshCh    chan struct{}

	position       float64
	lastRefresh    time.Time
	consecFailures int
	firstKey       bool
}

// NewFetcher creates a fetcher. The caller wires peers with SetPeer before
// Run.
func NewFetcher(opts FetcherOptions) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		track:       opts.Track,
		cfg:         opts.Config,
		client:      opts.Client,
		plCache:     opts.PlCache,
		cache:       opts.Cache,
		drmMgr:      opts.DRM,
		selector:    opts.Selector,
		bandwidth:   opts.Bandwidth,
		ladder:      opts.Ladder,
		bus:         opts.Bus,
		logger:      logger.With(slog.String("track", opts.Track.String())),
		playlistURL: opts.PlaylistURL,
		profileIdx:  -1,
		rate:        1.0,
		rateCh:      make(chan struct{}),
		refreshCh:   make(chan struct{}),
		position:    opts.StartPosition,
		firstKey:    true,
	}
	f.indexer = playlist.NewIndexer(opts.Track, opts.Config.DRM.KeyDeferWindow, f.logger)
	return f
}

// SetPeer wires the partner track consulted at discontinuity boundaries
// (video consults audio and vice versa).
func (f *Fetcher) SetPeer(peer *Fetcher) {
	f.mu.Lock()
	f.peer = peer
	f.mu.Unlock()
}

// SetRate changes the playback rate. Only the iframe track steps by rate;
// other tracks ignore it.
func (f *Fetcher) SetRate(rate float64) {
	f.mu.Lock()
	f.rate = rate
	close(f.rateCh)
	f.rateCh = make(chan struct{})
	f.mu.Unlock()
}

// Indexer exposes the track's playlist index for peer discontinuity
// queries and diagnostics.
func (f *Fetcher) Indexer() *playlist.Indexer {
	return f.indexer
}

// Position returns the next fetch target in seconds.
func (f *Fetcher) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// refreshNotify returns a channel closed on the next playlist reindex.
func (f *Fetcher) refreshNotify() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCh
}

// Run drives the fetch loop until end of stream, a fatal failure, or
// context cancellation. On clean end of stream the fragment cache is
// flagged EOS so the injector drains and exits.
func (f *Fetcher) Run(ctx context.Context) error {
	// The iframe index exists for trick-play only: at normal rate the
	// track idles without touching the network.
	if f.track == media.TrackIframe {
		if err := f.waitTrickPlay(ctx); err != nil {
			return err
		}
	}

	if err := f.loadPlaylist(ctx); err != nil {
		f.publishFailure(events.FailureManifest, 0, err)
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.track == media.TrackIframe {
			if err := f.waitTrickPlay(ctx); err != nil {
				return err
			}
		}

		if f.profileChanged() {
			if err := f.loadPlaylist(ctx); err != nil {
				f.publishFailure(events.FailureManifest, 0, err)
				return err
			}
		}
		if f.dueForRefresh() {
			if err := f.loadPlaylist(ctx); err != nil {
				f.logger.Warn("playlist refresh failed", slog.String("error", err.Error()))
			}
		}
		if f.cacheAtLimit() {
			if err := f.waitHeadroom(ctx); err != nil {
				return err
			}
			continue
		}

		target := f.targetPosition()
		if target < 0 {
			// Trick-play rewind ran off the front of the stream.
			f.cache.SetEOS()
			return nil
		}
		frag, ok := f.indexer.NextFragment(target)
		if !ok {
			if f.indexer.Type() == media.PlaylistVOD {
				f.logger.Debug("reached end of index")
				f.cache.SetEOS()
				return nil
			}
			if err := f.waitLiveEdge(ctx); err != nil {
				return err
			}
			continue
		}

		if frag.Discontinuity && !f.confirmDiscontinuity(ctx, frag) {
			f.logger.Warn("ignoring unpaired discontinuity",
				slog.Int64("sequence", frag.Sequence),
				slog.Float64("position", frag.Position))
			frag.Discontinuity = false
		}

		if err := f.fetchFragment(ctx, frag); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			f.consecFailures++
			if f.consecFailures >= f.cfg.Download.FailureThreshold {
				if f.track == media.TrackSubtitle {
					// Subtitles are best-effort: disable the track
					// rather than failing the session.
					f.logger.Warn("disabling subtitle track after repeated failures")
					f.cache.SetEOS()
					return nil
				}
				f.publishFailure(events.FailureDownload, 0, err)
				return fmt.Errorf("%w: %s", ErrTrackFatal, err)
			}
			continue
		}
		f.consecFailures = 0
		f.advance(frag)
		f.evaluateABR()
	}
}

// targetPosition is the current fetch target under f.mu.
func (f *Fetcher) targetPosition() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// advance moves the fetch target past the fragment. The iframe track in
// trick-play steps by rate over the trick-play frame interval instead of
// fragment duration.
func (f *Fetcher) advance(frag playlist.FragmentDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.track == media.TrackIframe && f.rate != 1.0 && f.rate != 0 {
		f.position = frag.Position + f.rate/f.cfg.ABR.TrickplayFPS
		return
	}
	f.position = frag.Completion
}

// profileChanged reports whether the ABR selector moved since the last
// playlist load. Only profile-bearing tracks react.
func (f *Fetcher) profileChanged() bool {
	if f.selector == nil || f.ladder == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selector.CurrentIndex() != f.profileIdx
}

// currentURL resolves the playlist URL for the active profile.
func (f *Fetcher) currentURL() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ladder == nil || f.selector == nil {
		return f.playlistURL, f.profileIdx
	}
	idx := f.selector.CurrentIndex()
	if f.track == media.TrackIframe && len(f.ladder.Iframe) > 0 {
		if idx >= len(f.ladder.Iframe) {
			idx = len(f.ladder.Iframe) - 1
		}
		return f.ladder.Iframe[idx].URI, idx
	}
	return f.ladder.Profiles[idx].URI, idx
}

// loadPlaylist fetches and indexes the media playlist for the active
// profile, consulting the playlist cache first for non-live content, and
// wakes every peer waiting on a refresh.
func (f *Fetcher) loadPlaylist(ctx context.Context) error {
	url, idx := f.currentURL()

	var body []byte
	effectiveURL := url
	if f.plCache != nil {
		if cached, eff, ok := f.plCache.Retrieve(url); ok {
			body, effectiveURL = cached, eff
		}
	}
	if body == nil {
		res, err := f.client.Fetch(ctx, download.Request{
			URL:     url,
			Timeout: f.cfg.Download.PlaylistTimeout,
		})
		if err != nil {
			return fmt.Errorf("fetching playlist: %w", err)
		}
		body, effectiveURL = res.Body, res.EffectiveURL
	}

	if err := f.indexer.IndexPlaylist(body); err != nil {
		return err
	}

	live := f.indexer.Type() != media.PlaylistVOD
	if f.plCache != nil {
		f.plCache.Insert(url, body, effectiveURL, live, f.track)
	}

	f.mu.Lock()
	f.effectiveURL = effectiveURL
	f.profileIdx = idx
	f.lastRefresh = time.Now()
	close(f.refreshCh)
	f.refreshCh = make(chan struct{})
	f.mu.Unlock()

	f.preloadKeys(ctx)
	return nil
}

// dueForRefresh reports whether a live playlist refresh is owed.
func (f *Fetcher) dueForRefresh() bool {
	if f.indexer.Type() == media.PlaylistVOD {
		return false
	}
	f.mu.Lock()
	last := f.lastRefresh
	f.mu.Unlock()
	return time.Since(last) >= f.refreshInterval()
}

// refreshInterval adapts the live refresh cadence to buffer health: full
// target duration when comfortable, halved when the buffer is shrinking,
// floored when critical, always capped.
func (f *Fetcher) refreshInterval() time.Duration {
	target := f.indexer.TargetDuration()
	if target <= 0 {
		target = f.cfg.Playlist.RefreshIntervalCeiling.Seconds()
	}
	interval := time.Duration(target * float64(time.Second))

	buffered := f.cache.CachedSeconds()
	switch {
	case buffered > 2*target:
		// Comfortable: full interval.
	case buffered > target/2:
		interval /= 2
	default:
		interval = f.cfg.Playlist.RefreshIntervalFloor
	}

	if interval > f.cfg.Playlist.RefreshIntervalCeiling {
		interval = f.cfg.Playlist.RefreshIntervalCeiling
	}
	if interval < f.cfg.Playlist.RefreshIntervalFloor {
		interval = f.cfg.Playlist.RefreshIntervalFloor
	}
	return interval
}

// cacheAtLimit reports whether the cache already holds the configured
// seconds of content ahead of playback.
func (f *Fetcher) cacheAtLimit() bool {
	limit := f.cfg.Buffer.MaxCacheSeconds
	return limit > 0 && f.cache.CachedSeconds() >= limit
}

// waitHeadroom blocks until the injector drains a fragment or one refresh
// interval elapses, so a capped buffer never starves live playlist
// refresh.
func (f *Fetcher) waitHeadroom(ctx context.Context) error {
	notify := f.cache.DrainNotify()
	timer := time.NewTimer(f.refreshInterval())
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// waitTrickPlay blocks the iframe track while playback runs at normal
// rate.
func (f *Fetcher) waitTrickPlay(ctx context.Context) error {
	for {
		f.mu.Lock()
		rate := f.rate
		ch := f.rateCh
		f.mu.Unlock()
		if rate != 1.0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitLiveEdge sleeps one refresh interval at the live edge, then
// refreshes the playlist. An ENDLIST arriving during the wait converts the
// stream to VOD and the next selection pass winds the track down.
func (f *Fetcher) waitLiveEdge(ctx context.Context) error {
	timer := time.NewTimer(f.refreshInterval())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := f.loadPlaylist(ctx); err != nil {
		f.logger.Warn("live refresh failed", slog.String("error", err.Error()))
	}
	return nil
}

// confirmDiscontinuity checks the partner track for a discontinuity
// around the same point before honoring one. When the partner playlist
// does not cover the position yet (live edge), the check waits a bounded
// number of partner refresh cycles; an unpaired discontinuity is ignored
// rather than allowed to stall the pipeline.
func (f *Fetcher) confirmDiscontinuity(ctx context.Context, frag playlist.FragmentDescriptor) bool {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	if peer == nil {
		return true
	}

	tolerance := f.cfg.Sync.DiscontinuityTolerance
	maxWaits := f.discontinuityWaitBudget()

	for attempt := 0; ; attempt++ {
		if !frag.ProgramDateTime.IsZero() {
			if _, ok := peer.indexer.DiscontinuityAround(frag.ProgramDateTime, tolerance); ok {
				return true
			}
		} else if _, ok := peer.indexer.DiscontinuityAroundPosition(frag.Position, tolerance.Seconds()); ok {
			return true
		}

		// When the partner index already spans this position the
		// discontinuity is genuinely unpaired.
		if peer.indexer.EndPosition() >= frag.Completion {
			return false
		}
		if attempt >= maxWaits {
			f.logger.Warn("partner playlist never covered discontinuity",
				slog.Int("refresh_waits", attempt),
				slog.Float64("position", frag.Position))
			return false
		}

		notify := peer.refreshNotify()
		timer := time.NewTimer(f.cfg.Playlist.RefreshIntervalCeiling)
		select {
		case <-notify:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}

// discontinuityWaitBudget distinguishes DVR streams (deep live window)
// from pure live, which gets a single refresh wait.
func (f *Fetcher) discontinuityWaitBudget() int {
	if f.indexer.Type() == media.PlaylistVOD {
		return 0
	}
	target := f.indexer.TargetDuration()
	if target > 0 && f.indexer.TotalDuration() >= dvrWindowFactor*target {
		return f.cfg.Sync.DiscontinuityWaitsDVR
	}
	return f.cfg.Sync.DiscontinuityWaitsLive
}

// fetchFragment downloads, decrypts, and caches one fragment. Download
// timeouts retry at the same profile inside the configured budget before a
// rampdown is attempted; rampdown-eligible HTTP codes and short reads ramp
// down immediately.
func (f *Fetcher) fetchFragment(ctx context.Context, frag playlist.FragmentDescriptor) error {
	f.mu.Lock()
	base := f.effectiveURL
	f.mu.Unlock()

	req := download.Request{
		URL:     playlist.ResolveURL(base, frag.URI),
		Timeout: f.fragmentTimeout(),
	}
	if frag.ByteRangeOffset >= 0 {
		req.Range = download.RangeHeader(frag.ByteRangeOffset, frag.ByteRangeLength)
	}

	var res download.Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = f.client.Fetch(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if download.IsTimeout(err) && attempt < f.cfg.Download.RetryCount {
			f.logger.Warn("fragment download timed out, retrying",
				slog.Int64("sequence", frag.Sequence),
				slog.Int("attempt", attempt+1))
			continue
		}
		return f.failDownload(frag, res, err)
	}

	if f.bandwidth != nil && len(res.Body) > 0 {
		f.bandwidth.RecordTransfer(uint64(len(res.Body)), res.Elapsed)
	}

	data := res.Body
	var keyRef *playlist.KeyMetadata
	if frag.Encrypted() && f.drmMgr != nil {
		meta, ok := f.indexer.Key(frag.KeyIndex)
		if !ok {
			return fmt.Errorf("fragment %d references missing key %d", frag.Sequence, frag.KeyIndex)
		}
		data, keyRef, err = f.applyDRM(ctx, meta, frag, data)
		if err != nil {
			f.publishFailure(events.FailureDRM, 0, err)
			return err
		}
	}

	cached := &cache.Fragment{
		Data:          data,
		Position:      frag.Position,
		Duration:      frag.Duration,
		Discontinuity: frag.Discontinuity,
		Track:         f.track,
		PTS:           frag.Position,
		DTS:           frag.Position,
		Key:           keyRef,
	}
	if f.selector != nil {
		cached.ProfileIndex = f.selector.CurrentIndex()
		cached.Bitrate = f.selector.CurrentProfile().Bandwidth
	}

	// Headroom was checked before selection; block here until a slot
	// frees, teardown closes the cache, or the context ends.
	return f.cache.Put(ctx, cached, 0)
}

// failDownload maps a failed fragment download onto the rampdown policy.
func (f *Fetcher) failDownload(frag playlist.FragmentDescriptor, res download.Result, err error) error {
	switch {
	case download.IsRampdownCode(res.HTTPCode), errors.Is(err, download.ErrPartialFile):
		if f.selector != nil && f.selector.RampDownProfile(res.HTTPCode) {
			f.logger.Info("ramped down after fragment failure",
				slog.Int64("sequence", frag.Sequence),
				slog.Int("http_code", res.HTTPCode))
		}
	case download.IsTimeout(err):
		// Retries at this profile are exhausted: the estimate is stale.
		if f.bandwidth != nil {
			f.bandwidth.Reset()
		}
		if f.selector != nil {
			f.selector.RampDownProfile(0)
		}
	}
	return fmt.Errorf("fragment %d: %w", frag.Sequence, err)
}

// applyDRM decrypts AES-128 fragments in software; sample-encrypted
// fragments keep their payload and carry key metadata for the sink's
// protection pipeline.
func (f *Fetcher) applyDRM(ctx context.Context, meta *playlist.KeyMetadata, frag playlist.FragmentDescriptor, data []byte) ([]byte, *playlist.KeyMetadata, error) {
	f.mu.Lock()
	primary := f.firstKey
	f.firstKey = false
	f.mu.Unlock()

	if strings.EqualFold(meta.Method, "AES-128") {
		plain, err := f.drmMgr.Decrypt(ctx, meta, uint64(frag.Sequence), data)
		if err != nil {
			return nil, nil, err
		}
		return plain, nil, nil
	}

	if _, err := f.drmMgr.AcquireSession(ctx, meta, primary); err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// fragmentTimeout adapts the per-fragment download timeout to buffer
// occupancy.
func (f *Fetcher) fragmentTimeout() time.Duration {
	if f.cache.CachedSeconds() > f.cfg.ABR.LowBufferSeconds {
		return f.cfg.Download.FragmentRelaxedTimeout
	}
	return f.cfg.Download.FragmentTimeout
}

// evaluateABR feeds the selector after a successful fragment. Only the
// bandwidth-owning track drives selection.
func (f *Fetcher) evaluateABR() {
	if f.selector == nil {
		return
	}
	f.selector.NotifyFragmentSuccess()
	if f.bandwidth == nil {
		return
	}
	f.selector.Evaluate(f.bandwidth.EstimateBps(), f.cache.CachedSeconds())
}

// preloadKeys issues license requests for keys whose deferred deadline has
// passed, so key rotations ahead of playback do not stall fetch later.
func (f *Fetcher) preloadKeys(ctx context.Context) {
	if f.drmMgr == nil {
		return
	}
	now := time.Now()
	for _, meta := range f.indexer.Keys() {
		if meta.Requested || now.Before(meta.DeferredUntil) {
			continue
		}
		meta.Requested = true
		go func(m *playlist.KeyMetadata) {
			if _, err := f.drmMgr.AcquireSession(ctx, m, false); err != nil {
				f.logger.Warn("key preload failed", slog.String("error", err.Error()))
			}
		}(meta)
	}
}

func (f *Fetcher) publishFailure(reason events.TuneFailureReason, httpCode int, err error) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(events.Event{
		Type:          events.EventTuneFailed,
		FailureReason: reason,
		Track:         f.track,
		HTTPCode:      httpCode,
		Err:           err,
	})
}
