package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/media"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		DiscontinuityTolerance: 2 * time.Second,
		PTSStallWindow:         5 * time.Second,
	}
}

func TestCoordinator_BothArriveExactlyOneSignal(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio)
	ctx := context.Background()

	type result struct {
		d   Decision
		err error
	}
	videoCh := make(chan result, 1)
	go func() {
		d, err := c.Arrive(ctx, media.TrackVideo, time.Time{})
		videoCh <- result{d, err}
	}()

	time.Sleep(10 * time.Millisecond)
	if st := c.State(); st != StateWaitingOnOne {
		t.Fatalf("state after first arrival = %v, want waiting_on_one", st)
	}

	audio, err := c.Arrive(ctx, media.TrackAudio, time.Time{})
	if err != nil {
		t.Fatalf("audio Arrive: %v", err)
	}
	video := <-videoCh
	if video.err != nil {
		t.Fatalf("video Arrive: %v", video.err)
	}

	signals := 0
	if video.d.Signal {
		signals++
	}
	if audio.Signal {
		signals++
	}
	if signals != 1 {
		t.Fatalf("signals issued = %d, want exactly 1", signals)
	}
	// The last arriver carries the signal.
	if !audio.Signal {
		t.Error("signal should be carried by the completing arrival")
	}
	if video.d.ForceReleased || audio.ForceReleased {
		t.Error("no wait should be force-released")
	}
	if st := c.State(); st != StateFree {
		t.Errorf("state after pairing = %v, want free", st)
	}
}

func TestCoordinator_ForceReleaseCarriesSignal(t *testing.T) {
	cfg := testSyncConfig()
	cfg.PTSStallWindow = 30 * time.Millisecond
	c := NewCoordinator(cfg, nil, nil, media.TrackVideo, media.TrackAudio)

	d, err := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if !d.ForceReleased {
		t.Fatal("expected force release after stall window")
	}
	if !d.Signal || d.Drop {
		t.Errorf("force release should carry the signal: %+v", d)
	}
	if st := c.State(); st != StateFree {
		t.Errorf("state after force release = %v, want free", st)
	}
}

func TestCoordinator_ForceReleaseDropsWhenConfigured(t *testing.T) {
	cfg := testSyncConfig()
	cfg.PTSStallWindow = 30 * time.Millisecond
	cfg.DropUnpairedDiscontinuity = true
	c := NewCoordinator(cfg, nil, nil, media.TrackVideo, media.TrackAudio)

	d, err := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if !d.ForceReleased || !d.Drop || d.Signal {
		t.Errorf("decision = %+v, want force-released drop without signal", d)
	}
}

func TestCoordinator_SoleParticipant(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo)

	d, err := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if !d.Signal || d.ForceReleased {
		t.Errorf("sole participant decision = %+v", d)
	}
}

func TestCoordinator_Muxed(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio)
	c.SetMuxed(true)

	d, err := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
	if err != nil {
		t.Fatalf("Arrive: %v", err)
	}
	if !d.Signal {
		t.Errorf("muxed arrival should resolve immediately with the signal")
	}
}

func TestCoordinator_NonParticipantRejected(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio, media.TrackIframe)

	if _, err := c.Arrive(context.Background(), media.TrackIframe, time.Time{}); err == nil {
		t.Fatal("iframe arrival should be rejected")
	}
}

func TestCoordinator_DuplicateArrivalRejected(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio)
	ctx := context.Background()

	go c.Arrive(ctx, media.TrackVideo, time.Time{})
	time.Sleep(10 * time.Millisecond)

	if _, err := c.Arrive(ctx, media.TrackVideo, time.Time{}); err == nil {
		t.Fatal("second arrival from the same track should be rejected")
	}
	c.Cancel()
}

func TestCoordinator_CancelReleasesWaiter(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Arrive after Cancel: err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Cancel")
	}
}

func TestCoordinator_ContextCancelAbandonsWaiter(t *testing.T) {
	c := NewCoordinator(testSyncConfig(), nil, nil, media.TrackVideo, media.TrackAudio)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Arrive(ctx, media.TrackVideo, time.Time{})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Arrive: err = %v, want context.Canceled", err)
	}
	if st := c.State(); st != StateFree {
		t.Errorf("state after abandoned waiter = %v, want free", st)
	}

	// A fresh pairing works after the abandonment.
	done := make(chan Decision, 1)
	go func() {
		d, _ := c.Arrive(context.Background(), media.TrackVideo, time.Time{})
		done <- d
	}()
	time.Sleep(10 * time.Millisecond)
	d, err := c.Arrive(context.Background(), media.TrackAudio, time.Time{})
	if err != nil {
		t.Fatalf("audio Arrive: %v", err)
	}
	if !d.Signal {
		t.Error("completing arrival should carry the signal")
	}
	<-done
}
