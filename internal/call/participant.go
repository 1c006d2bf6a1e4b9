package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/media"
)

// participant is the orchestrator-internal view of one remote user: exactly
// one media peer per user id, re-signaling reuses it.
type participant struct {
	userID       domain.UserID
	displayName  string
	audioEnabled bool
	videoEnabled bool
	// tracks are references only; their lifetime belongs to the peer
	// connection's transceivers.
	tracks []*webrtc.TrackRemote
	peer   core.MediaPeer
	// senders holds the outbound handle for each local track attached to
	// this peer, so mute toggles can detach and reattach without
	// renegotiation.
	senders map[media.Track]core.TrackSender
}

// Participant is the read-only view handed to the UI.
type Participant struct {
	UserID       domain.UserID
	DisplayName  string
	AudioEnabled bool
	VideoEnabled bool
	Tracks       []*webrtc.TrackRemote
}

func (p *participant) snapshot() Participant {
	tracks := make([]*webrtc.TrackRemote, len(p.tracks))
	copy(tracks, p.tracks)
	return Participant{
		UserID:       p.userID,
		DisplayName:  p.displayName,
		AudioEnabled: p.audioEnabled,
		VideoEnabled: p.videoEnabled,
		Tracks:       tracks,
	}
}
