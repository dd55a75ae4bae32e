// Package playlist implements HLS media playlist indexing: fragment
// descriptors, discontinuity markers, and DRM key metadata tracking.
package playlist

import (
	"crypto/sha1"
	"errors"
	"time"
)

// Errors surfaced by the indexer.
var (
	// ErrMalformedPlaylist means the playlist does not start with #EXTM3U.
	// It is fatal for the tune attempt.
	ErrMalformedPlaylist = errors.New("malformed playlist: missing #EXTM3U")
	// ErrEmptyPlaylist means the playlist indexed zero fragments.
	ErrEmptyPlaylist = errors.New("playlist contains no fragments")
	// ErrNoProfiles means a master playlist carried no video variants.
	ErrNoProfiles = errors.New("master playlist contains no video profiles")
	// ErrEndOfStream means fragment selection ran off either end of the
	// index during trick-play.
	ErrEndOfStream = errors.New("end of stream")
)

// FragmentDescriptor describes one indexed fragment. Descriptors are
// immutable once indexed; the whole array is rebuilt on each refresh.
type FragmentDescriptor struct {
	// Sequence is the media sequence number.
	Sequence int64
	// URI is the fragment URI, possibly relative to the playlist URL.
	URI string
	// Duration in seconds.
	Duration float64
	// Position is the cumulative presentation position at fragment start.
	Position float64
	// Completion is the cumulative duration through this fragment.
	Completion float64
	// KeyIndex indexes the key metadata table, or -1 for clear fragments.
	KeyIndex int
	// ByteRangeOffset is -1 when the fragment is not byte-ranged.
	ByteRangeOffset int64
	// ByteRangeLength is 0 when the fragment is not byte-ranged.
	ByteRangeLength int64
	// ProgramDateTime is zero when the playlist carries no PDT tag.
	ProgramDateTime time.Time
	// Discontinuity is set on the first fragment after a discontinuity tag.
	Discontinuity bool
}

// Encrypted reports whether the fragment needs a DRM session.
func (f *FragmentDescriptor) Encrypted() bool {
	return f.KeyIndex >= 0
}

// DiscontinuityMarker records a discontinuity point in the index.
type DiscontinuityMarker struct {
	// FragmentIndex is the index of the first fragment after the tag.
	FragmentIndex int
	// Position is the cumulative position in seconds at the marker.
	Position float64
	// ProgramDateTime is the absolute time at the marker, zero if the
	// playlist carries no PDT tags.
	ProgramDateTime time.Time
}

// KeyHash identifies key metadata by content.
type KeyHash [sha1.Size]byte

// KeyMetadata holds one decoded key-change entry. Entries persist across
// playlist refreshes as long as the same hash reappears; otherwise they are
// reclaimed once no track references them.
type KeyMetadata struct {
	// Method is the encryption method (AES-128, SAMPLE-AES, ...).
	Method string
	// URI is the key or license acquisition URI.
	URI string
	// Keyformat is the EXT-X-KEY KEYFORMAT attribute; empty or
	// "identity" for plain AES-128, a system identifier for CENC.
	Keyformat string
	// IV is the optional initialization vector.
	IV []byte
	// Blob is the opaque decoded key-request payload handed to DRM.
	Blob []byte
	// Hash is the SHA1 identity of the blob (or URI when no blob).
	Hash KeyHash
	// DeferredUntil delays the license request to spread load on the
	// license server. Zero means request immediately.
	DeferredUntil time.Time
	// Requested is set once a license request has been issued.
	Requested bool

	// trackRefs tracks which tracks reference this entry, for reclaim.
	trackRefs map[int]bool
}

// Ref marks the entry as referenced by a track.
func (k *KeyMetadata) Ref(track int) {
	if k.trackRefs == nil {
		k.trackRefs = make(map[int]bool)
	}
	k.trackRefs[track] = true
}

// Unref clears a track's reference and reports whether any remain.
func (k *KeyMetadata) Unref(track int) bool {
	delete(k.trackRefs, track)
	return len(k.trackRefs) > 0
}
