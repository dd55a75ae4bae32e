package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

func frag(pos, dur float64) *Fragment {
	return &Fragment{Position: pos, Duration: dur, Track: media.TrackVideo}
}

func TestCache_PutGetOrder(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 4})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Put(ctx, frag(float64(i)*6, 6), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if c.Occupancy() != 3 {
		t.Fatalf("occupancy = %d, want 3", c.Occupancy())
	}
	if got := c.CachedSeconds(); got != 18 {
		t.Fatalf("cached seconds = %v, want 18", got)
	}

	for i := 0; i < 3; i++ {
		f, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if f.Position != float64(i)*6 {
			t.Errorf("Get %d: position = %v, want %v", i, f.Position, float64(i)*6)
		}
	}
	if got := c.CachedSeconds(); got != 0 {
		t.Errorf("cached seconds after drain = %v", got)
	}
}

func TestCache_OccupancyNeverExceedsSlots(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Put(ctx, frag(0, 6), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	// A third Put must block until a slot frees; with a timeout it fails
	// instead of overfilling.
	if err := c.Put(ctx, frag(0, 6), 20*time.Millisecond); !errors.Is(err, ErrPutTimeout) {
		t.Fatalf("Put on full cache: err = %v, want ErrPutTimeout", err)
	}
	if c.Occupancy() != 2 {
		t.Fatalf("occupancy = %d after rejected Put", c.Occupancy())
	}

	// Free a slot; a blocked Put proceeds.
	done := make(chan error, 1)
	go func() {
		done <- c.Put(ctx, frag(0, 6), time.Second)
	}()
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked Put: %v", err)
	}
	if c.Occupancy() != 2 {
		t.Fatalf("occupancy = %d, want 2", c.Occupancy())
	}
}

func TestCache_GetBlocksUntilPut(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 2})
	ctx := context.Background()

	got := make(chan *Fragment, 1)
	go func() {
		f, err := c.Get(ctx)
		if err != nil {
			t.Errorf("Get: %v", err)
			return
		}
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Put(ctx, frag(42, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case f := <-got:
		if f.Position != 42 {
			t.Errorf("position = %v", f.Position)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
}

func TestCache_EOSDrainsBeforeReporting(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 4})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Put(ctx, frag(float64(i)*6, 6), 0); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	c.SetEOS()
	if !c.IsEOS() {
		t.Fatal("IsEOS = false after SetEOS")
	}

	// Cached fragments still come out in order after EOS.
	for i := 0; i < 2; i++ {
		f, err := c.Get(ctx)
		if err != nil {
			t.Fatalf("Get %d after EOS: %v", i, err)
		}
		if f.Position != float64(i)*6 {
			t.Errorf("Get %d: position = %v", i, f.Position)
		}
	}
	if _, err := c.Get(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Get on drained EOS cache: err = %v, want ErrEndOfStream", err)
	}
}

func TestCache_EOSWakesBlockedGet(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 2})
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.SetEOS()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("Get: err = %v, want ErrEndOfStream", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after SetEOS")
	}
}

func TestCache_CloseReleasesWaiters(t *testing.T) {
	c := New(media.TrackVideo, Config{Slots: 1})
	ctx := context.Background()

	if err := c.Put(ctx, frag(0, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	putErr := make(chan error, 1)
	getErr := make(chan error, 1)
	go func() { putErr <- c.Put(ctx, frag(6, 6), 0) }()

	c2 := New(media.TrackVideo, Config{Slots: 1})
	go func() {
		_, err := c2.Get(ctx)
		getErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()
	c2.Close()

	if err := <-putErr; !errors.Is(err, ErrCacheClosed) {
		t.Errorf("blocked Put after Close: err = %v", err)
	}
	if err := <-getErr; !errors.Is(err, ErrCacheClosed) {
		t.Errorf("blocked Get after Close: err = %v", err)
	}
}

func TestCache_InitialCachingThreshold(t *testing.T) {
	var fired atomic.Int32
	c := New(media.TrackVideo, Config{
		Slots:                8,
		InitialCacheSeconds:  12,
		OnInitialCachingDone: func() { fired.Add(1) },
	})
	ctx := context.Background()

	if err := c.Put(ctx, frag(0, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fired.Load() != 0 {
		t.Fatal("callback fired below threshold")
	}
	if err := c.Put(ctx, frag(6, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times at threshold, want 1", fired.Load())
	}
	// Never fires again, even after draining and refilling past the mark.
	if _, err := c.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := c.Put(ctx, frag(12, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times total, want 1", fired.Load())
	}
}

func TestCache_InitialCachingOnPhysicallyFull(t *testing.T) {
	var fired atomic.Int32
	c := New(media.TrackVideo, Config{
		Slots:                2,
		InitialCacheSeconds:  60,
		OnInitialCachingDone: func() { fired.Add(1) },
	})
	ctx := context.Background()

	if err := c.Put(ctx, frag(0, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(ctx, frag(6, 6), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("callback fired %d times with full cache, want 1", fired.Load())
	}
}
