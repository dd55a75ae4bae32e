package player

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/media"
	"github.com/jmylchreest/hlsplayer/internal/sink"
)

const testMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg0.ts
#EXTINF:6.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXT-X-ENDLIST
`

// eventRecorder collects every published event for assertions.
type eventRecorder struct {
	mu     stdsync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, typ events.Type, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.count(typ) >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("saw %d %s events within %s, want %d", r.count(typ), typ, timeout, want)
}

// newStreamServer serves a multivariant stream with one video profile and
// one audio rendition.
func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,AUDIO="aud"
video/index.m3u8
`)
	})
	for _, dir := range []string{"video", "audio"} {
		dir := dir
		mux.HandleFunc("/"+dir+"/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, testMediaPlaylist)
		})
		for i := 0; i < 3; i++ {
			body := fmt.Sprintf("%s-segment-%d", dir, i)
			mux.HandleFunc(fmt.Sprintf("/%s/seg%d.ts", dir, i), func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			})
		}
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPlayer_TuneToEndOfStream(t *testing.T) {
	srv := newStreamServer(t)
	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	p.Events().Subscribe(rec.record)

	require.NoError(t, p.Tune(context.Background(), srv.URL+"/master.m3u8"))
	assert.NotEqual(t, StateIdle, p.State())

	// Video and audio both drain to end of stream.
	rec.waitFor(t, events.EventEndOfStream, 2, 10*time.Second)
	p.Stop()

	assert.Equal(t, StateStopped, p.State())
	assert.GreaterOrEqual(t, rec.count(events.EventInitialCachingComplete), 1)
	assert.Equal(t, 3, snk.SampleCount(media.TrackVideo))
	assert.Equal(t, 3, snk.SampleCount(media.TrackAudio))

	samples := snk.Samples(media.TrackVideo)
	assert.Equal(t, "video-segment-0", string(samples[0].Data))
	assert.Equal(t, "video-segment-2", string(samples[2].Data))
}

func TestPlayer_DirectMediaPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testMediaPlaylist)
	})
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf("muxed-%d", i)
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	p.Events().Subscribe(rec.record)

	// A media playlist handed directly becomes a synthetic single-profile
	// session carrying muxed audio and video.
	require.NoError(t, p.Tune(context.Background(), srv.URL+"/index.m3u8"))
	rec.waitFor(t, events.EventEndOfStream, 1, 10*time.Second)
	p.Stop()

	assert.Equal(t, 3, snk.SampleCount(media.TrackVideo))
	assert.Equal(t, 0, snk.SampleCount(media.TrackAudio))
}

func TestPlayer_MalformedMasterFailsTune(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not a playlist at all")
	}))
	defer srv.Close()

	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	p.Events().Subscribe(rec.record)

	err = p.Tune(context.Background(), srv.URL+"/master.m3u8")
	require.Error(t, err)
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 1, rec.count(events.EventTuneFailed))
}

func TestPlayer_UnreachableMasterFailsTune(t *testing.T) {
	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Tune(ctx, "http://127.0.0.1:1/master.m3u8")
	require.Error(t, err)
	assert.Equal(t, StateFailed, p.State())
}

func TestPlayer_TuneTwiceRejected(t *testing.T) {
	srv := newStreamServer(t)
	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	require.NoError(t, p.Tune(context.Background(), srv.URL+"/master.m3u8"))
	defer p.Stop()

	err = p.Tune(context.Background(), srv.URL+"/master.m3u8")
	require.Error(t, err)
}

func TestPlayer_SetRateFlushesSink(t *testing.T) {
	srv := newStreamServer(t)
	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	require.NoError(t, p.Tune(context.Background(), srv.URL+"/master.m3u8"))
	defer p.Stop()

	p.SetRate(2.0)
	assert.Equal(t, 1, snk.Flushes())
}

func TestPlayer_WaitWithoutTune(t *testing.T) {
	p, err := New(config.Default(), sink.NewBufferedSink(0), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Wait(), ErrNotTuned)
}

func TestPlayer_StatusSnapshot(t *testing.T) {
	srv := newStreamServer(t)
	snk := sink.NewBufferedSink(0)
	p, err := New(config.Default(), snk, nil)
	require.NoError(t, err)

	rec := &eventRecorder{}
	p.Events().Subscribe(rec.record)

	require.NoError(t, p.Tune(context.Background(), srv.URL+"/master.m3u8"))
	rec.waitFor(t, events.EventEndOfStream, 2, 10*time.Second)

	status := p.Status()
	assert.Equal(t, p.SessionID(), status.SessionID)
	assert.Contains(t, status.Tracks, media.TrackVideo.String())
	assert.Contains(t, status.Tracks, media.TrackAudio.String())

	p.Stop()
	assert.Equal(t, "stopped", p.Status().State)
}
