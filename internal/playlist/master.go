package playlist

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	gohls "github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// Profile is one variant of the ABR ladder.
type Profile struct {
	// Index is the ladder position after bitrate sorting (0 = lowest).
	Index int
	// Bandwidth in bits per second.
	Bandwidth int64
	// Resolution as advertised ("1280x720"), may be empty.
	Resolution string
	// Codecs as advertised, may be empty.
	Codecs []string
	// URI of the media playlist, resolved against the master URL.
	URI string
}

// Rendition is an alternate audio or subtitle playlist.
type Rendition struct {
	Track    media.TrackType
	GroupID  string
	Name     string
	Language string
	Default  bool
	URI      string
}

// Ladder is the parsed master playlist: the bitrate-sorted variant ladder,
// the iframe-only variants used for trick-play, and alternate renditions.
type Ladder struct {
	Profiles   []Profile
	Iframe     []Profile
	Renditions []Rendition
}

// ParseMaster parses a multivariant playlist into an ABR ladder. Variant
// parsing uses gohlslib; iframe variants and alternate renditions come from
// a supplementary line scan since they drive track setup directly.
func ParseMaster(raw []byte, masterURL string) (*Ladder, error) {
	parsed, err := gohls.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}

	mv, ok := parsed.(*gohls.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got media")
	}
	if len(mv.Variants) == 0 {
		return nil, ErrNoProfiles
	}

	ladder := &Ladder{}
	for _, v := range mv.Variants {
		ladder.Profiles = append(ladder.Profiles, Profile{
			Bandwidth:  int64(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			URI:        ResolveURL(masterURL, v.URI),
		})
	}
	sort.Slice(ladder.Profiles, func(i, j int) bool {
		return ladder.Profiles[i].Bandwidth < ladder.Profiles[j].Bandwidth
	})
	for i := range ladder.Profiles {
		ladder.Profiles[i].Index = i
	}

	ladder.Iframe, ladder.Renditions = scanMasterExtras(raw, masterURL)
	sort.Slice(ladder.Iframe, func(i, j int) bool {
		return ladder.Iframe[i].Bandwidth < ladder.Iframe[j].Bandwidth
	})
	for i := range ladder.Iframe {
		ladder.Iframe[i].Index = i
	}

	return ladder, nil
}

// scanMasterExtras collects iframe variants and alternate renditions.
func scanMasterExtras(raw []byte, masterURL string) ([]Profile, []Rendition) {
	var iframe []Profile
	var renditions []Rendition

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"))
			p := Profile{URI: ResolveURL(masterURL, attrs["URI"])}
			if bw, ok := attrs["BANDWIDTH"]; ok {
				fmt.Sscanf(bw, "%d", &p.Bandwidth)
			}
			p.Resolution = attrs["RESOLUTION"]
			if p.URI != "" {
				iframe = append(iframe, p)
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributeList(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			var track media.TrackType
			switch attrs["TYPE"] {
			case "AUDIO":
				track = media.TrackAudio
			case "SUBTITLES":
				track = media.TrackSubtitle
			default:
				continue
			}
			if attrs["URI"] == "" {
				// Muxed rendition carried in the main stream.
				continue
			}
			renditions = append(renditions, Rendition{
				Track:    track,
				GroupID:  attrs["GROUP-ID"],
				Name:     attrs["NAME"],
				Language: attrs["LANGUAGE"],
				Default:  attrs["DEFAULT"] == "YES",
				URI:      ResolveURL(masterURL, attrs["URI"]),
			})
		}
	}

	return iframe, renditions
}

// parseAttributeList parses an HLS attribute list into a map.
func parseAttributeList(s string) map[string]string {
	out := make(map[string]string)
	for _, attr := range splitAttributes(s) {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(v, `"`)
	}
	return out
}

// ResolveURL resolves a possibly relative URI against a base URL.
func ResolveURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		if idx := strings.LastIndex(baseURL, "/"); idx >= 0 {
			return baseURL[:idx+1] + ref
		}
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
