package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/cache"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/drm"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/media"
	"github.com/jmylchreest/hlsplayer/internal/playlist"
	"github.com/jmylchreest/hlsplayer/internal/sink"
	tracksync "github.com/jmylchreest/hlsplayer/internal/sync"
)

// ErrPTSError means the sink discarded too many consecutive fragments.
var ErrPTSError = errors.New("pts error threshold exceeded")

var (
	// sendRetryDelay between back-pressure retries.
	sendRetryDelay = 100 * time.Millisecond
	// sendRetryBudget bounds back-pressure retries per fragment before the
	// fragment counts as discarded.
	sendRetryBudget = 100
)

// InjectorOptions wires one injector into the pipeline.
type InjectorOptions struct {
	Track       media.TrackType
	Config      *config.Config
	Cache       *cache.FragmentCache
	Sink        sink.StreamSink
	Coordinator *tracksync.Coordinator
	Progress    *Progress
	Bus         *events.Bus
	Logger      *slog.Logger
}

// Injector drains one track's fragment cache into the sink, enforcing
// cross-track pacing and the discontinuity handshake. One goroutine runs
// Run per enabled track.
type Injector struct {
	track    media.TrackType
	cfg      *config.Config
	cache    *cache.FragmentCache
	sink     sink.StreamSink
	coord    *tracksync.Coordinator
	progress *Progress
	bus      *events.Bus
	logger   *slog.Logger

	lastKeyHash    playlist.KeyHash
	haveKey        bool
	consecDiscards int
	injectedSecs   float64
}

// NewInjector creates an injector.
func NewInjector(opts InjectorOptions) *Injector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		track:    opts.Track,
		cfg:      opts.Config,
		cache:    opts.Cache,
		sink:     opts.Sink,
		coord:    opts.Coordinator,
		progress: opts.Progress,
		bus:      opts.Bus,
		logger:   logger.With(slog.String("track", opts.Track.String())),
	}
}

// Run drives the inject loop until end of stream, a PTS failure, or
// context cancellation.
func (i *Injector) Run(ctx context.Context) error {
	for {
		frag, err := i.cache.Get(ctx)
		if err != nil {
			if errors.Is(err, cache.ErrEndOfStream) {
				i.progress.MarkDone(i.track)
				i.publishEndOfStream()
				return nil
			}
			if errors.Is(err, cache.ErrCacheClosed) {
				return nil
			}
			return err
		}

		if err := i.progress.WaitAllowed(ctx, i.track, frag.Position, i.cfg.Buffer.SubtitleLeadSeconds); err != nil {
			return err
		}

		if frag.Discontinuity {
			if err := i.handshakeDiscontinuity(ctx); err != nil {
				return err
			}
		}

		i.queueProtection(frag)

		if err := i.send(ctx, frag); err != nil {
			return err
		}

		i.injectedSecs += frag.Duration
		i.progress.Update(i.track, frag.Position+frag.Duration, frag.Duration)
	}
}

// InjectedSeconds reports cumulative injected duration.
func (i *Injector) InjectedSeconds() float64 {
	return i.injectedSecs
}

// handshakeDiscontinuity runs the cross-track barrier and pushes the
// downstream discontinuity exactly once per pairing.
func (i *Injector) handshakeDiscontinuity(ctx context.Context) error {
	if i.coord == nil {
		i.sink.Discontinuity(i.track)
		return nil
	}
	decision, err := i.coord.Arrive(ctx, i.track, time.Time{})
	if err != nil {
		if errors.Is(err, tracksync.ErrCancelled) {
			return context.Canceled
		}
		return err
	}
	if decision.Drop {
		i.logger.Warn("dropping unpaired discontinuity")
		return nil
	}
	if decision.Signal {
		if !i.sink.Discontinuity(i.track) {
			i.logger.Debug("sink declined discontinuity signal")
		}
	}
	return nil
}

// queueProtection forwards key metadata to the sink once per key change so
// the downstream protection pipeline is primed before the first encrypted
// sample.
func (i *Injector) queueProtection(frag *cache.Fragment) {
	if frag.Key == nil {
		return
	}
	if i.haveKey && frag.Key.Hash == i.lastKeyHash {
		return
	}
	helper, err := drm.HelperForMetadata(frag.Key)
	if err != nil {
		i.logger.Warn("cannot resolve drm system for protection event",
			slog.String("error", err.Error()))
		return
	}
	i.sink.QueueProtectionEvent(helper.SystemID(), frag.Key.Blob, i.track)
	i.lastKeyHash = frag.Key.Hash
	i.haveKey = true
}

// send pushes one fragment, retrying through sink back-pressure. A
// fragment the sink never accepts counts as a discard; enough consecutive
// discards escalate to a fatal PTS error.
func (i *Injector) send(ctx context.Context, frag *cache.Fragment) error {
	sample := sink.Sample{
		Track:    i.track,
		Data:     frag.Data,
		PTS:      frag.PTS,
		DTS:      frag.DTS,
		Duration: frag.Duration,
	}

	for attempt := 0; attempt < sendRetryBudget; attempt++ {
		if i.sink.Send(sample) {
			i.consecDiscards = 0
			return nil
		}
		timer := time.NewTimer(sendRetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}

	i.consecDiscards++
	i.logger.Warn("sink discarded fragment",
		slog.Float64("position", frag.Position),
		slog.Int("consecutive", i.consecDiscards))
	if i.consecDiscards >= i.cfg.Sync.PTSErrorThreshold {
		if i.bus != nil {
			i.bus.Publish(events.Event{
				Type:          events.EventTuneFailed,
				FailureReason: events.FailurePTS,
				Track:         i.track,
				Err:           ErrPTSError,
			})
		}
		return fmt.Errorf("%w on %s after %d discards", ErrPTSError, i.track, i.consecDiscards)
	}
	return nil
}

func (i *Injector) publishEndOfStream() {
	if i.bus == nil {
		return
	}
	i.bus.Publish(events.Event{
		Type:  events.EventEndOfStream,
		Track: i.track,
	})
}
