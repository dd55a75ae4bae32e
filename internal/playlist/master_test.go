package playlist

import (
	"testing"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

const masterPlaylist = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="audio/en/index.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="French",LANGUAGE="fr",DEFAULT=NO,URI="audio/fr/index.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="subs/en/index.m3u8"
#EXT-X-MEDIA:TYPE=CLOSED-CAPTIONS,GROUP-ID="cc",NAME="CC1",INSTREAM-ID="CC1"
#EXT-X-STREAM-INF:BANDWIDTH=4500000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aud"
video/1080p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=854x480,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud"
video/480p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aud"
video/720p/index.m3u8
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=450000,RESOLUTION=1280x720,URI="iframe/720p/index.m3u8"
#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=180000,RESOLUTION=854x480,URI="iframe/480p/index.m3u8"
`

func TestParseMaster_LadderSorted(t *testing.T) {
	ladder, err := ParseMaster([]byte(masterPlaylist), "https://cdn.example.com/stream/master.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}

	if len(ladder.Profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(ladder.Profiles))
	}
	want := []int64{1200000, 2800000, 4500000}
	for i, p := range ladder.Profiles {
		if p.Bandwidth != want[i] {
			t.Errorf("profile %d: bandwidth = %d, want %d", i, p.Bandwidth, want[i])
		}
		if p.Index != i {
			t.Errorf("profile %d: index = %d", i, p.Index)
		}
	}
	if ladder.Profiles[0].Resolution != "854x480" {
		t.Errorf("lowest profile resolution = %q", ladder.Profiles[0].Resolution)
	}
	if ladder.Profiles[2].URI != "https://cdn.example.com/stream/video/1080p/index.m3u8" {
		t.Errorf("profile URI not resolved: %q", ladder.Profiles[2].URI)
	}
}

func TestParseMaster_Iframe(t *testing.T) {
	ladder, err := ParseMaster([]byte(masterPlaylist), "https://cdn.example.com/stream/master.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}

	if len(ladder.Iframe) != 2 {
		t.Fatalf("expected 2 iframe variants, got %d", len(ladder.Iframe))
	}
	if ladder.Iframe[0].Bandwidth != 180000 || ladder.Iframe[1].Bandwidth != 450000 {
		t.Errorf("iframe ladder not sorted: %d, %d", ladder.Iframe[0].Bandwidth, ladder.Iframe[1].Bandwidth)
	}
	if ladder.Iframe[0].URI != "https://cdn.example.com/stream/iframe/480p/index.m3u8" {
		t.Errorf("iframe URI = %q", ladder.Iframe[0].URI)
	}
}

func TestParseMaster_Renditions(t *testing.T) {
	ladder, err := ParseMaster([]byte(masterPlaylist), "https://cdn.example.com/stream/master.m3u8")
	if err != nil {
		t.Fatalf("ParseMaster: %v", err)
	}

	var audio, subs []Rendition
	for _, r := range ladder.Renditions {
		switch r.Track {
		case media.TrackAudio:
			audio = append(audio, r)
		case media.TrackSubtitle:
			subs = append(subs, r)
		}
	}
	if len(audio) != 2 {
		t.Fatalf("expected 2 audio renditions, got %d", len(audio))
	}
	if !audio[0].Default || audio[0].Language != "en" {
		t.Errorf("default audio rendition: %+v", audio[0])
	}
	if audio[1].Default {
		t.Errorf("french rendition should not be default")
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subtitle rendition, got %d", len(subs))
	}
	if subs[0].URI != "https://cdn.example.com/stream/subs/en/index.m3u8" {
		t.Errorf("subtitle URI = %q", subs[0].URI)
	}
	// Closed captions carry no URI and are not a fetchable rendition.
	for _, r := range ladder.Renditions {
		if r.URI == "" {
			t.Errorf("rendition without URI kept: %+v", r)
		}
	}
}

func TestParseMaster_MediaPlaylistRejected(t *testing.T) {
	_, err := ParseMaster([]byte(vodPlaylist), "https://cdn.example.com/stream/index.m3u8")
	if err == nil {
		t.Fatal("expected error for media playlist input")
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct {
		base string
		ref  string
		want string
	}{
		{"https://cdn.example.com/a/b/master.m3u8", "seg1.ts", "https://cdn.example.com/a/b/seg1.ts"},
		{"https://cdn.example.com/a/b/master.m3u8", "../c/seg1.ts", "https://cdn.example.com/a/c/seg1.ts"},
		{"https://cdn.example.com/a/b/master.m3u8", "/root/seg1.ts", "https://cdn.example.com/root/seg1.ts"},
		{"https://cdn.example.com/a/b/master.m3u8", "https://other.example.com/seg1.ts", "https://other.example.com/seg1.ts"},
		{"https://cdn.example.com/a/b/master.m3u8", "", ""},
	}
	for _, tc := range cases {
		if got := ResolveURL(tc.base, tc.ref); got != tc.want {
			t.Errorf("ResolveURL(%q, %q) = %q, want %q", tc.base, tc.ref, got, tc.want)
		}
	}
}
