package playlist

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/media"
)

// positionEpsilon tolerates float rounding when matching a fragment to a
// target position.
const positionEpsilon = 0.1

// immediateKeyLimit is how many key entries may map immediately before
// further immediate requests are staggered.
const immediateKeyLimit = 2

// Playlist tag prefixes.
const (
	tagMagic           = "#EXTM3U"
	tagInf             = "#EXTINF:"
	tagMediaSequence   = "#EXT-X-MEDIA-SEQUENCE:"
	tagTargetDuration  = "#EXT-X-TARGETDURATION:"
	tagDiscontinuity   = "#EXT-X-DISCONTINUITY"
	tagKey             = "#EXT-X-KEY:"
	tagByteRange       = "#EXT-X-BYTERANGE:"
	tagProgramDateTime = "#EXT-X-PROGRAM-DATE-TIME:"
	tagPlaylistType    = "#EXT-X-PLAYLIST-TYPE:"
	tagEndList         = "#EXT-X-ENDLIST"
	tagFaxsCM          = "#EXT-X-FAXS-CM:"
	tagLinearCK        = "#EXT-X-X1-LIN-CK:"
)

// Indexer parses a media playlist into an ordered fragment index with
// discontinuity and key metadata side tables. One Indexer exists per track;
// the index is rebuilt wholesale on each playlist refresh while key
// metadata persists across refreshes by content hash.
type Indexer struct {
	mu     sync.Mutex
	track  media.TrackType
	logger *slog.Logger

	// keyDeferWindow bounds randomized deferred key deadlines when the
	// playlist has no explicit max-interval directive.
	keyDeferWindow time.Duration

	fragments       []FragmentDescriptor
	discontinuities []DiscontinuityMarker
	keys            []*KeyMetadata
	ptype           media.PlaylistType
	targetDuration  float64
	firstSequence   int64
	totalDuration   float64
	endPosition     float64
	cursor          int
	immediateKeys   int
}

// NewIndexer creates an indexer for one track.
func NewIndexer(track media.TrackType, keyDeferWindow time.Duration, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		track:          track,
		logger:         logger.With(slog.String("track", track.String())),
		keyDeferWindow: keyDeferWindow,
		ptype:          media.PlaylistUnknown,
	}
}

// IndexPlaylist parses raw playlist text and replaces the fragment index.
// Key metadata entries whose hash reappears keep their request state;
// entries no longer referenced by any track are reclaimed.
func (ix *Indexer) IndexPlaylist(raw []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	sawMagic := false
	sawSequence := false
	sawEndList := false
	ptype := ix.ptype

	var (
		fragments       []FragmentDescriptor
		discontinuities []DiscontinuityMarker
		firstSequence   int64
		cumulative      float64

		pendingDuration float64
		havePending     bool
		pendingDiscont  bool
		pendingPDT      time.Time

		currentKey    = -1
		rangeOffset   int64 = -1
		rangeLength   int64
		prevOffset    int64 = -1
		prevLength    int64
		deferWindow   = ix.keyDeferWindow
		immediateKeys = ix.immediateKeys
	)

	// The key table is rebuilt in order of appearance. Entries whose hash
	// matches a previous refresh keep their pointer, and with it their
	// request state and deferral deadline.
	oldKeys := ix.keys
	var keys []*KeyMetadata

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawMagic {
			if !strings.HasPrefix(line, tagMagic) {
				return ErrMalformedPlaylist
			}
			sawMagic = true
			continue
		}

		switch {
		case strings.HasPrefix(line, tagInf):
			durStr := strings.TrimPrefix(line, tagInf)
			if idx := strings.Index(durStr, ","); idx >= 0 {
				durStr = durStr[:idx]
			}
			if dur, err := strconv.ParseFloat(durStr, 64); err == nil {
				pendingDuration = dur
				havePending = true
			}

		case strings.HasPrefix(line, tagMediaSequence):
			if seq, err := strconv.ParseInt(strings.TrimPrefix(line, tagMediaSequence), 10, 64); err == nil {
				firstSequence = seq
				sawSequence = true
			}

		case strings.HasPrefix(line, tagTargetDuration):
			if dur, err := strconv.ParseFloat(strings.TrimPrefix(line, tagTargetDuration), 64); err == nil {
				ix.targetDuration = dur
			}

		case line == tagDiscontinuity || strings.HasPrefix(line, tagDiscontinuity+":"):
			pendingDiscont = true

		case strings.HasPrefix(line, tagProgramDateTime):
			if t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, tagProgramDateTime)); err == nil {
				pendingPDT = t
			}

		case strings.HasPrefix(line, tagByteRange):
			spec := strings.TrimPrefix(line, tagByteRange)
			var length, offset int64
			if at := strings.Index(spec, "@"); at >= 0 {
				length, _ = strconv.ParseInt(spec[:at], 10, 64)
				offset, _ = strconv.ParseInt(spec[at+1:], 10, 64)
			} else {
				length, _ = strconv.ParseInt(spec, 10, 64)
				// No explicit offset: continue after the previous range.
				if prevOffset >= 0 {
					offset = prevOffset + prevLength
				}
			}
			rangeOffset, rangeLength = offset, length

		case strings.HasPrefix(line, tagLinearCK):
			if secs, err := strconv.ParseFloat(strings.TrimPrefix(line, tagLinearCK), 64); err == nil && secs > 0 {
				deferWindow = time.Duration(secs * float64(time.Second))
			}

		case strings.HasPrefix(line, tagFaxsCM):
			// Standalone key metadata without a key-change mapping yet:
			// acquisition is deferred within the window to avoid request
			// storms against the license server.
			blob := decodeKeyBlob(strings.TrimPrefix(line, tagFaxsCM))
			meta, known := lookupKey(keys, oldKeys, &KeyMetadata{Blob: blob, Hash: sha1.Sum(blob)})
			if !known {
				meta.DeferredUntil = time.Now().Add(randomWindow(deferWindow))
			}
			if keyIndexOf(keys, meta) < 0 {
				keys = append(keys, meta)
			}
			meta.Ref(int(ix.track))

		case strings.HasPrefix(line, tagKey):
			meta, mapped := parseKeyTag(strings.TrimPrefix(line, tagKey))
			if !mapped {
				currentKey = -1
				break
			}
			interned, known := lookupKey(keys, oldKeys, meta)
			if !known {
				if immediateKeys >= immediateKeyLimit {
					// Enough immediate mappings already exist: stagger
					// further requests instead of issuing them at once.
					interned.DeferredUntil = time.Now().Add(randomWindow(deferWindow / 4))
				} else {
					immediateKeys++
				}
			}
			if keyIndexOf(keys, interned) < 0 {
				keys = append(keys, interned)
			}
			interned.Ref(int(ix.track))
			currentKey = keyIndexOf(keys, interned)

		case strings.HasPrefix(line, tagPlaylistType):
			switch strings.TrimPrefix(line, tagPlaylistType) {
			case "VOD":
				ptype = media.PlaylistVOD
			case "EVENT":
				ptype = media.PlaylistEvent
			}

		case line == tagEndList:
			sawEndList = true

		case strings.HasPrefix(line, "#"):
			// Unknown directive: ignored for forward compatibility.

		default:
			if !havePending {
				continue
			}
			frag := FragmentDescriptor{
				Sequence:        firstSequence + int64(len(fragments)),
				URI:             line,
				Duration:        pendingDuration,
				Position:        cumulative,
				Completion:      cumulative + pendingDuration,
				KeyIndex:        currentKey,
				ByteRangeOffset: rangeOffset,
				ByteRangeLength: rangeLength,
				ProgramDateTime: pendingPDT,
				Discontinuity:   pendingDiscont,
			}
			if pendingDiscont {
				discontinuities = append(discontinuities, DiscontinuityMarker{
					FragmentIndex:   len(fragments),
					Position:        cumulative,
					ProgramDateTime: pendingPDT,
				})
			}
			fragments = append(fragments, frag)
			cumulative += pendingDuration

			if rangeOffset >= 0 {
				prevOffset, prevLength = rangeOffset, rangeLength
			}
			pendingDuration = 0
			havePending = false
			pendingDiscont = false
			pendingPDT = time.Time{}
			rangeOffset, rangeLength = -1, 0
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	if !sawMagic {
		return ErrMalformedPlaylist
	}

	if !sawSequence && len(fragments) > 0 {
		// Some packagers omit the media-sequence tag; default to zero.
		ix.logger.Warn("playlist missing media-sequence tag, defaulting to 0")
	}

	// An end marker forces VOD regardless of prior inference so that
	// live-adjustment logic stays disabled for finished content.
	if sawEndList {
		ptype = media.PlaylistVOD
	} else if ptype == media.PlaylistUnknown {
		ptype = media.PlaylistLive
	}

	// Release this track's references on entries that did not reappear.
	for _, k := range oldKeys {
		if keyIndexOf(keys, k) < 0 {
			k.Unref(int(ix.track))
		}
	}

	// A sliding live window must stay on the timeline established by
	// earlier refreshes: anchor the new first fragment to its position in
	// the previous index, keyed on the media-sequence delta. Without the
	// anchor every refresh would restart positions at zero and the
	// fetcher's target would fall outside the window forever.
	var base float64
	if len(ix.fragments) > 0 {
		delta := firstSequence - ix.firstSequence
		switch {
		case delta >= 0 && delta < int64(len(ix.fragments)):
			base = ix.fragments[delta].Position
		case delta >= int64(len(ix.fragments)):
			// The window slid past everything indexed; resume right
			// after the last known fragment.
			base = ix.endPosition
		default:
			// Sequence went backwards: encoder restart, new timeline.
			base = 0
		}
	}
	if base != 0 {
		for i := range fragments {
			fragments[i].Position += base
			fragments[i].Completion += base
		}
		for i := range discontinuities {
			discontinuities[i].Position += base
		}
	}

	ix.fragments = fragments
	ix.discontinuities = discontinuities
	ix.keys = keys
	ix.ptype = ptype
	ix.firstSequence = firstSequence
	ix.totalDuration = cumulative
	ix.endPosition = base + cumulative
	ix.immediateKeys = immediateKeys
	ix.cursor = 0

	ix.logger.Debug("indexed playlist",
		slog.Int("fragments", len(fragments)),
		slog.Int("discontinuities", len(discontinuities)),
		slog.Int("keys", len(keys)),
		slog.String("type", ptype.String()),
		slog.Float64("duration", cumulative))

	return nil
}

// FlushIndex discards the fragment index and releases this track's key
// metadata references.
func (ix *Indexer) FlushIndex() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, k := range ix.keys {
		k.Unref(int(ix.track))
	}
	ix.fragments = nil
	ix.discontinuities = nil
	ix.keys = nil
	ix.totalDuration = 0
	ix.endPosition = 0
	ix.cursor = 0
	ix.immediateKeys = 0
	ix.ptype = media.PlaylistUnknown
}

// NextFragment returns the fragment covering the target position. The scan
// runs forward from the previous cursor; a target behind the cursor resets
// the scan to the start (seek or rewind).
func (ix *Indexer) NextFragment(target float64) (FragmentDescriptor, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.fragments) == 0 {
		return FragmentDescriptor{}, false
	}
	if ix.cursor >= len(ix.fragments) || target < ix.fragments[ix.cursor].Position {
		ix.cursor = 0
	}
	for i := ix.cursor; i < len(ix.fragments); i++ {
		f := ix.fragments[i]
		if f.Position+f.Duration > target || target-f.Position < positionEpsilon {
			ix.cursor = i + 1
			return f, true
		}
	}
	return FragmentDescriptor{}, false
}

// FragmentAt returns the indexed fragment at position i.
func (ix *Indexer) FragmentAt(i int) (FragmentDescriptor, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if i < 0 || i >= len(ix.fragments) {
		return FragmentDescriptor{}, false
	}
	return ix.fragments[i], true
}

// FragmentCount returns the number of indexed fragments.
func (ix *Indexer) FragmentCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.fragments)
}

// TotalDuration returns the duration spanned by the current window in
// seconds.
func (ix *Indexer) TotalDuration() float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.totalDuration
}

// EndPosition returns the absolute completion position of the last
// indexed fragment. For live content it tracks the live edge across
// window slides.
func (ix *Indexer) EndPosition() float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.endPosition
}

// TargetDuration returns the playlist target duration in seconds.
func (ix *Indexer) TargetDuration() float64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.targetDuration
}

// Type returns the playlist type inferred during indexing.
func (ix *Indexer) Type() media.PlaylistType {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.ptype
}

// FirstSequence returns the first media sequence number of the index.
func (ix *Indexer) FirstSequence() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.firstSequence
}

// Discontinuities returns a copy of the discontinuity marker list.
func (ix *Indexer) Discontinuities() []DiscontinuityMarker {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]DiscontinuityMarker, len(ix.discontinuities))
	copy(out, ix.discontinuities)
	return out
}

// DiscontinuityAround reports whether the index has a discontinuity whose
// absolute time falls within tolerance of the given program date time.
func (ix *Indexer) DiscontinuityAround(pdt time.Time, tolerance time.Duration) (DiscontinuityMarker, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, m := range ix.discontinuities {
		if m.ProgramDateTime.IsZero() {
			continue
		}
		delta := m.ProgramDateTime.Sub(pdt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance {
			return m, true
		}
	}
	return DiscontinuityMarker{}, false
}

// DiscontinuityAroundPosition is the positional fallback used when the
// playlist carries no program-date-time tags.
func (ix *Indexer) DiscontinuityAroundPosition(pos, toleranceSeconds float64) (DiscontinuityMarker, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, m := range ix.discontinuities {
		delta := m.Position - pos
		if delta < 0 {
			delta = -delta
		}
		if delta <= toleranceSeconds {
			return m, true
		}
	}
	return DiscontinuityMarker{}, false
}

// Key returns the key metadata entry at index i.
func (ix *Indexer) Key(i int) (*KeyMetadata, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if i < 0 || i >= len(ix.keys) {
		return nil, false
	}
	return ix.keys[i], true
}

// Keys returns the key metadata table.
func (ix *Indexer) Keys() []*KeyMetadata {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*KeyMetadata, len(ix.keys))
	copy(out, ix.keys)
	return out
}

// parseKeyTag parses an EXT-X-KEY attribute list. The second return is
// false for METHOD=NONE, which clears the active key.
func parseKeyTag(attrs string) (*KeyMetadata, bool) {
	meta := &KeyMetadata{}
	for _, attr := range splitAttributes(attrs) {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "METHOD":
			meta.Method = v
		case "URI":
			meta.URI = v
		case "IV":
			meta.IV = decodeHexIV(v)
		case "KEYFORMAT":
			meta.Keyformat = v
		}
	}
	if meta.Method == "" || meta.Method == "NONE" {
		return nil, false
	}
	meta.Blob = decodeKeyBlob(meta.URI)
	meta.Hash = sha1.Sum(meta.Blob)
	return meta, true
}

// splitAttributes splits an HLS attribute list on commas outside quotes.
func splitAttributes(s string) []string {
	var out []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		out = append(out, sb.String())
	}
	return out
}

// decodeKeyBlob decodes a data: URI payload, or returns the raw bytes for
// opaque key references.
func decodeKeyBlob(uri string) []byte {
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		if _, b64, found := strings.Cut(rest, "base64,"); found {
			if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
				return decoded
			}
		}
	}
	return []byte(uri)
}

// decodeHexIV decodes a 0x-prefixed IV attribute.
func decodeHexIV(s string) []byte {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		if hi < 0 || lo < 0 {
			return nil
		}
		out[i] = byte(hi<<4 | lo)
	}
	return out
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// lookupKey returns the entry matching the candidate's hash from the new
// table or the previous refresh's table, or the candidate itself when the
// hash has never been seen.
func lookupKey(keys, oldKeys []*KeyMetadata, candidate *KeyMetadata) (*KeyMetadata, bool) {
	for _, k := range keys {
		if k.Hash == candidate.Hash {
			return k, true
		}
	}
	for _, k := range oldKeys {
		if k.Hash == candidate.Hash {
			return k, true
		}
	}
	return candidate, false
}

// keyIndexOf returns the table index of the entry.
func keyIndexOf(keys []*KeyMetadata, meta *KeyMetadata) int {
	for i, k := range keys {
		if k == meta {
			return i
		}
	}
	return -1
}

// randomWindow returns a uniformly random delay within the window.
func randomWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window)))
}
