// Package media defines shared media types used across the player engine.
package media

// TrackType identifies a media track.
type TrackType int

const (
	// TrackVideo is the primary video track.
	TrackVideo TrackType = iota
	// TrackAudio is the audio track.
	TrackAudio
	// TrackSubtitle is the timed-text track.
	TrackSubtitle
	// TrackIframe is the iframe-only track used for trick-play.
	TrackIframe
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	case TrackIframe:
		return "iframe"
	default:
		return "unknown"
	}
}

// Peer returns the track whose discontinuities must pair with this one.
// Video pairs with audio and vice versa; subtitle pairs with audio.
func (t TrackType) Peer() TrackType {
	switch t {
	case TrackVideo:
		return TrackAudio
	case TrackAudio:
		return TrackVideo
	case TrackSubtitle:
		return TrackAudio
	default:
		return TrackVideo
	}
}

// PlaylistType classifies a media playlist.
type PlaylistType int

const (
	// PlaylistUnknown means no type directive or end marker has been seen.
	PlaylistUnknown PlaylistType = iota
	// PlaylistVOD is fixed-length content.
	PlaylistVOD
	// PlaylistLive is a sliding-window live playlist.
	PlaylistLive
	// PlaylistEvent is an append-only event playlist.
	PlaylistEvent
)

func (p PlaylistType) String() string {
	switch p {
	case PlaylistVOD:
		return "vod"
	case PlaylistLive:
		return "live"
	case PlaylistEvent:
		return "event"
	default:
		return "unknown"
	}
}
