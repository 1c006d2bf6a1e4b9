package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/agora-collab/realtime/internal/domain"
)

// MediaPeer is one negotiated media path to a remote participant.
type MediaPeer interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// ApplyAnswer applies the remote answer to a previously created offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// CreateAndSetOffer builds a local offer and sets it as local description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer applies a remote offer and answers it.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback for cleanup after the peer connection dies.
	OnClosed(func())
	// AddLocalTrack attaches a local track to the underlying PeerConnection
	// and returns its sender handle for later mute/unmute via ReplaceTrack.
	AddLocalTrack(track webrtc.TrackLocal) (TrackSender, error)
}

// TrackSender is the outbound half of one attached local track. Replacing
// the track with nil silences it without renegotiation; replacing it back
// resumes sending. Satisfied by *webrtc.RTPSender.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerFactory creates one MediaPeer per remote user id. The call orchestrator
// guarantees at most one live peer per id.
type PeerFactory func(userID domain.UserID) (MediaPeer, error)
