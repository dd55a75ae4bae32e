// Package player orchestrates a playback session: master playlist
// resolution, per-track fetch/inject pipelines, ABR, DRM, buffer-health
// monitoring, and the event surface.
package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/hlsplayer/internal/abr"
	"github.com/jmylchreest/hlsplayer/internal/cache"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/download"
	"github.com/jmylchreest/hlsplayer/internal/drm"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/media"
	"github.com/jmylchreest/hlsplayer/internal/metrics"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
	"github.com/jmylchreest/hlsplayer/internal/playlistcache"
	"github.com/jmylchreest/hlsplayer/internal/sink"
	tracksync "github.com/jmylchreest/hlsplayer/internal/sync"
	"github.com/jmylchreest/hlsplayer/internal/track"
)

// State is the session lifecycle state.
type State int

const (
	// StateIdle means no tune has started.
	StateIdle State = iota
	// StateTuning means the master playlist is being resolved.
	StateTuning
	// StateBuffering means tracks are fetching toward the initial cache
	// target.
	StateBuffering
	// StatePlaying means initial caching completed and injection runs.
	StatePlaying
	// StateStopped means the session was torn down.
	StateStopped
	// StateFailed means the session ended with a fatal error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTuning:
		return "tuning"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotTuned is returned by operations that need an active session.
var ErrNotTuned = errors.New("no active session")

// Player is one playback session engine.
type Player struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	met     *metrics.Metrics
	snk     sink.StreamSink
	client  *download.Client
	plCache *playlistcache.Cache
	drmMgr  *drm.Manager

	sessionID string

	mu        stdsync.Mutex
	state     State
	ladder    *playlist.Ladder
	selector  *abr.Selector
	bandwidth *abr.BandwidthTracker
	coord     *tracksync.Coordinator
	progress  *track.Progress
	fetchers  map[media.TrackType]*track.Fetcher
	injectors map[media.TrackType]*track.Injector
	caches    map[media.TrackType]*cache.FragmentCache
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New creates a player. The sink receives everything the injectors emit.
func New(cfg *config.Config, snk sink.StreamSink, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := ulid.Make().String()
	logger = logger.With(slog.String("session", sessionID))

	client, err := download.NewClient(cfg.Download, logger)
	if err != nil {
		return nil, fmt.Errorf("creating download client: %w", err)
	}
	plCache, err := playlistcache.New(cfg.Playlist.CacheBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("creating playlist cache: %w", err)
	}
	licClient, err := drm.NewLicenseClient(cfg.DRM, logger)
	if err != nil {
		return nil, fmt.Errorf("creating license client: %w", err)
	}

	bus := events.NewBus()
	met := metrics.New()

	p := &Player{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		met:       met,
		snk:       snk,
		client:    client,
		plCache:   plCache,
		drmMgr:    drm.NewManager(cfg.DRM, licClient, bus, logger),
		sessionID: sessionID,
		state:     StateIdle,
	}
	bus.Subscribe(p.recordEventMetrics)
	return p, nil
}

// SessionID returns the session identifier carried in logs and events.
func (p *Player) SessionID() string {
	return p.sessionID
}

// Events returns the event bus for listener registration.
func (p *Player) Events() *events.Bus {
	return p.bus
}

// Metrics returns the session's Prometheus instrumentation.
func (p *Player) Metrics() *metrics.Metrics {
	return p.met
}

// State returns the session lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Tune resolves the URL and starts the per-track pipelines. It returns
// once the pipelines are running; Wait blocks until they finish.
func (p *Player) Tune(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.state != StateIdle && p.state != StateStopped {
		p.mu.Unlock()
		return fmt.Errorf("tune in state %s", p.state)
	}
	p.state = StateTuning
	p.mu.Unlock()

	ladder, err := p.resolveLadder(ctx, url)
	if err != nil {
		p.failTune(events.FailureManifest, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	p.mu.Lock()
	p.ladder = ladder
	p.cancel = cancel
	p.group = group
	p.bandwidth = abr.NewBandwidthTracker()
	p.selector = abr.NewSelector(ladder.Profiles, 0, p.cfg.ABR, p.bus, p.logger)
	p.fetchers = make(map[media.TrackType]*track.Fetcher)
	p.injectors = make(map[media.TrackType]*track.Injector)
	p.caches = make(map[media.TrackType]*cache.FragmentCache)
	p.state = StateBuffering
	p.mu.Unlock()

	enabled := p.enabledTracks(ladder)
	p.mu.Lock()
	p.progress = track.NewProgress(enabled...)
	p.coord = tracksync.NewCoordinator(p.cfg.Sync, p.bus, p.logger, enabled...)
	if len(enabled) == 1 && enabled[0] == media.TrackVideo {
		// Single physical track carries muxed audio and video.
		p.coord.SetMuxed(true)
	}
	p.mu.Unlock()

	for _, t := range enabled {
		if err := p.startTrack(groupCtx, t, ladder); err != nil {
			cancel()
			p.failTune(events.FailureManifest, err)
			return err
		}
	}

	group.Go(func() error {
		return p.monitor(groupCtx)
	})

	p.logger.Info("tune started",
		slog.String("url", url),
		slog.Int("profiles", len(ladder.Profiles)),
		slog.Int("tracks", len(enabled)))
	return nil
}

// Wait blocks until every pipeline goroutine exits and reports the first
// fatal error, if any.
func (p *Player) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return ErrNotTuned
	}
	err := group.Wait()
	p.mu.Lock()
	if p.state != StateStopped {
		if err != nil && !errors.Is(err, context.Canceled) {
			p.state = StateFailed
		} else {
			p.state = StateStopped
		}
	}
	p.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop tears the session down: downloads are disabled, every wait is
// released, and the pipelines exit promptly.
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	coord := p.coord
	caches := p.caches
	group := p.group
	p.state = StateStopped
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if coord != nil {
		coord.Cancel()
	}
	p.drmMgr.CancelWaits()
	for _, c := range caches {
		c.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	p.drmMgr.Close()
	p.logger.Info("session stopped")
}

// SetRate changes the playback rate for trick-play. The iframe track, when
// present, steps at the new rate.
func (p *Player) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.fetchers {
		f.SetRate(rate)
	}
	p.snk.Flush(0, rate)
}

// resolveLadder fetches the URL and produces the ABR ladder. A media
// playlist given directly becomes a synthetic single-profile ladder.
func (p *Player) resolveLadder(ctx context.Context, url string) (*playlist.Ladder, error) {
	var body []byte
	effectiveURL := url
	if cached, eff, ok := p.plCache.Retrieve(url); ok {
		body, effectiveURL = cached, eff
	} else {
		res, err := p.client.Fetch(ctx, download.Request{
			URL:     url,
			Timeout: p.cfg.Download.PlaylistTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching master playlist: %w", err)
		}
		body, effectiveURL = res.Body, res.EffectiveURL
		p.plCache.Insert(url, body, effectiveURL, false, media.TrackVideo)
	}

	if bytes.Contains(body, []byte("#EXTINF")) {
		// Media playlist given directly: single synthetic profile.
		return &playlist.Ladder{
			Profiles: []playlist.Profile{{Index: 0, URI: effectiveURL}},
		}, nil
	}
	return playlist.ParseMaster(body, effectiveURL)
}

// enabledTracks derives the session's track set from the ladder.
func (p *Player) enabledTracks(ladder *playlist.Ladder) []media.TrackType {
	tracks := []media.TrackType{media.TrackVideo}
	if audioRendition(ladder) != nil {
		tracks = append(tracks, media.TrackAudio)
	}
	if subtitleRendition(ladder) != nil {
		tracks = append(tracks, media.TrackSubtitle)
	}
	if len(ladder.Iframe) > 0 {
		tracks = append(tracks, media.TrackIframe)
	}
	return tracks
}

func audioRendition(ladder *playlist.Ladder) *playlist.Rendition {
	return pickRendition(ladder, media.TrackAudio)
}

func subtitleRendition(ladder *playlist.Ladder) *playlist.Rendition {
	return pickRendition(ladder, media.TrackSubtitle)
}

// pickRendition prefers the default rendition, falling back to the first
// with a URI.
func pickRendition(ladder *playlist.Ladder, t media.TrackType) *playlist.Rendition {
	var first *playlist.Rendition
	for i := range ladder.Renditions {
		r := &ladder.Renditions[i]
		if r.Track != t || r.URI == "" {
			continue
		}
		if r.Default {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

// startTrack builds and launches one track's fetcher and injector.
func (p *Player) startTrack(ctx context.Context, t media.TrackType, ladder *playlist.Ladder) error {
	cacheCfg := cache.Config{
		Slots:               p.cfg.Buffer.CacheSlots,
		InitialCacheSeconds: p.cfg.Buffer.InitialCacheSeconds,
	}
	if t == media.TrackVideo {
		cacheCfg.OnInitialCachingDone = p.initialCachingDone
	}
	frags := cache.New(t, cacheCfg)

	opts := track.FetcherOptions{
		Track:   t,
		Config:  p.cfg,
		Client:  p.client,
		PlCache: p.plCache,
		Cache:   frags,
		DRM:     p.drmMgr,
		Bus:     p.bus,
		Logger:  p.logger,
	}
	switch t {
	case media.TrackVideo, media.TrackIframe:
		opts.Ladder = ladder
		opts.Selector = p.selector
		if t == media.TrackVideo {
			opts.Bandwidth = p.bandwidth
		}
	case media.TrackAudio:
		opts.PlaylistURL = audioRendition(ladder).URI
	case media.TrackSubtitle:
		opts.PlaylistURL = subtitleRendition(ladder).URI
	}
	fetcher := track.NewFetcher(opts)

	injector := track.NewInjector(track.InjectorOptions{
		Track:       t,
		Config:      p.cfg,
		Cache:       frags,
		Sink:        p.snk,
		Coordinator: p.coord,
		Progress:    p.progress,
		Bus:         p.bus,
		Logger:      p.logger,
	})

	p.mu.Lock()
	p.fetchers[t] = fetcher
	p.injectors[t] = injector
	p.caches[t] = frags
	if t == media.TrackAudio {
		if v := p.fetchers[media.TrackVideo]; v != nil {
			fetcher.SetPeer(v)
			v.SetPeer(fetcher)
		}
	}
	p.mu.Unlock()

	p.group.Go(func() error {
		err := fetcher.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s fetcher: %w", t, err)
		}
		// A finished fetcher must not leave the injector blocked.
		frags.SetEOS()
		return nil
	})
	p.group.Go(func() error {
		err := injector.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s injector: %w", t, err)
		}
		return nil
	})
	return nil
}

// initialCachingDone fires once when the video cache reaches its target.
func (p *Player) initialCachingDone() {
	p.mu.Lock()
	if p.state == StateBuffering {
		p.state = StatePlaying
	}
	p.mu.Unlock()
	p.bus.Publish(events.Event{Type: events.EventInitialCachingComplete})
	p.logger.Info("initial caching complete")
}

// monitor updates buffer gauges and detects playback stalls: no injection
// progress while every cache is empty for longer than the detection
// window is a stall, distinct from a hard failure.
func (p *Player) monitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPositions := make(map[media.TrackType]float64)
	stalledSince := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		p.mu.Lock()
		state := p.state
		caches := p.caches
		selector := p.selector
		progress := p.progress
		bandwidth := p.bandwidth
		p.mu.Unlock()

		for t, c := range caches {
			p.met.BufferedSeconds.WithLabelValues(t.String()).Set(c.CachedSeconds())
		}
		if bandwidth != nil {
			p.met.BandwidthBps.Set(float64(bandwidth.EstimateBps()))
		}
		if selector != nil {
			p.met.CurrentBitrate.Set(float64(selector.CurrentProfile().Bandwidth))
		}

		if state != StatePlaying || progress == nil {
			continue
		}

		advanced := false
		empty := true
		for t, c := range caches {
			if pos, _, ok := progress.Position(t); ok && pos > lastPositions[t] {
				lastPositions[t] = pos
				advanced = true
			}
			if c.Occupancy() > 0 || !p.snk.IsCacheEmpty(t) {
				empty = false
			}
		}

		switch {
		case advanced || !empty:
			stalledSince = time.Time{}
		case stalledSince.IsZero():
			stalledSince = time.Now()
		case time.Since(stalledSince) >= p.cfg.Sync.StallDetectionTimeout:
			p.logger.Warn("playback stall detected",
				slog.Duration("window", p.cfg.Sync.StallDetectionTimeout))
			p.bus.Publish(events.Event{Type: events.EventStall})
			stalledSince = time.Time{}
		}
	}
}

// failTune marks the session failed and reports the failure.
func (p *Player) failTune(reason events.TuneFailureReason, err error) {
	p.mu.Lock()
	p.state = StateFailed
	p.mu.Unlock()
	p.bus.Publish(events.Event{
		Type:          events.EventTuneFailed,
		FailureReason: reason,
		Err:           err,
	})
}

// recordEventMetrics mirrors bus events into the Prometheus counters.
func (p *Player) recordEventMetrics(ev events.Event) {
	switch ev.Type {
	case events.EventBitrateChanged:
		if ev.ToBitrate < ev.FromBitrate {
			p.met.RampDowns.Inc()
		} else {
			p.met.RampUps.Inc()
		}
	case events.EventDiscontinuity:
		p.met.Discontinuities.Inc()
	case events.EventStall:
		p.met.Stalls.Inc()
	case events.EventTuneFailed:
		p.met.TuneFailures.WithLabelValues(ev.FailureReason.String()).Inc()
	}
}
