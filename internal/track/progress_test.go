package track

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

func TestProgress_AudioPacedByVideo(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio)
	ctx := context.Background()

	// Video has not injected yet: only audio's opening fragment passes.
	if err := p.WaitAllowed(ctx, media.TrackAudio, 0, 0); err != nil {
		t.Fatalf("opening audio fragment: %v", err)
	}
	if p.allowed(media.TrackAudio, 4, 0) {
		t.Fatal("audio at 4s admitted before any video injection")
	}

	// Video injects its first fragment: audio may run up to one video
	// fragment ahead.
	p.Update(media.TrackVideo, 0, 6)
	if !p.allowed(media.TrackAudio, 6, 0) {
		t.Error("audio at 6s should pass with video at 0s+6s")
	}
	if p.allowed(media.TrackAudio, 6.5, 0) {
		t.Error("audio at 6.5s should be held with video at 0s+6s")
	}

	p.Update(media.TrackVideo, 6, 6)
	if !p.allowed(media.TrackAudio, 12, 0) {
		t.Error("audio at 12s should pass after video advanced")
	}
}

func TestProgress_SubtitlePacedByAudioWithLead(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio, media.TrackSubtitle)

	p.Update(media.TrackAudio, 0, 4)
	if !p.allowed(media.TrackSubtitle, 9, 5) {
		t.Error("subtitle at 9s should pass: audio 0s+4s plus 5s lead")
	}
	if p.allowed(media.TrackSubtitle, 9.5, 5) {
		t.Error("subtitle at 9.5s should be held")
	}
}

func TestProgress_VideoNeverPaced(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio)
	if !p.allowed(media.TrackVideo, 1e6, 0) {
		t.Error("video pacing must be unconditional")
	}
}

func TestProgress_DisabledPeerDoesNotPace(t *testing.T) {
	// Audio-only session: no video track to pace against.
	p := NewProgress(media.TrackAudio)
	if !p.allowed(media.TrackAudio, 100, 0) {
		t.Error("audio should be unpaced without a video participant")
	}
}

func TestProgress_DonePeerReleasesPacing(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio)

	p.Update(media.TrackVideo, 0, 6)
	if p.allowed(media.TrackAudio, 30, 0) {
		t.Fatal("audio at 30s should be held")
	}
	p.MarkDone(media.TrackVideo)
	if !p.allowed(media.TrackAudio, 30, 0) {
		t.Error("audio should be unpaced once video reached end of stream")
	}
}

func TestProgress_WaitAllowedWakesOnUpdate(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio)
	p.Update(media.TrackVideo, 0, 6)

	done := make(chan error, 1)
	go func() {
		done <- p.WaitAllowed(context.Background(), media.TrackAudio, 12, 0)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	p.Update(media.TrackVideo, 6, 6)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitAllowed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by video progress")
	}
}

func TestProgress_WaitAllowedHonorsContext(t *testing.T) {
	p := NewProgress(media.TrackVideo, media.TrackAudio)
	p.Update(media.TrackVideo, 0, 6)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.WaitAllowed(ctx, media.TrackAudio, 60, 0)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitAllowed: err = %v, want context.Canceled", err)
	}
}
