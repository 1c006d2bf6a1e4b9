// Package call turns one channel's signaling stream into a full-mesh
// audio/video session: local capture, one media peer per remote participant,
// and a single presenter slot for screen sharing.
package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/media"
	"github.com/agora-collab/realtime/internal/signaling"
)

// Signaling is the slice of the channel manager the orchestrator consumes.
type Signaling interface {
	Open(ctx context.Context, id domain.ChannelID) (<-chan signaling.Message, func())
	Send(id domain.ChannelID, msg signaling.Message)
	WaitForOpen(ctx context.Context, id domain.ChannelID) error
}

// Orchestrator owns one call session at a time. All session state is guarded
// by one mutex, the Go analogue of the browser's single event loop: signaling
// for different remote users never interferes because each peer is keyed and
// mutated independently under it.
type Orchestrator struct {
	signals Signaling
	devices media.Devices
	peers   core.PeerFactory
	self    domain.User

	mu           sync.Mutex
	epoch        uint64
	state        domain.CallState
	channelID    domain.ChannelID
	local        media.Stream
	screen       media.Stream
	sharing      bool
	presenter    domain.UserID
	participants map[domain.UserID]*participant
	unsubscribe  func()

	errs chan Error
}

func NewOrchestrator(signals Signaling, devices media.Devices, peers core.PeerFactory, self domain.User) *Orchestrator {
	return &Orchestrator{
		signals:      signals,
		devices:      devices,
		peers:        peers,
		self:         self,
		state:        domain.CallIdle,
		participants: make(map[domain.UserID]*participant),
		errs:         make(chan Error, 8),
	}
}

// Errors is the session's error stream: capture failures and peer negotiation
// problems, human-readable.
func (o *Orchestrator) Errors() <-chan Error { return o.errs }

func (o *Orchestrator) State() domain.CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Presenter reports the remote user currently holding the screen-share slot.
func (o *Orchestrator) Presenter() (domain.UserID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presenter, o.presenter != ""
}

// SharingScreen reports whether the local session is presenting. Tracked
// separately from the remote presenter slot; the UI decides whether to
// surface both.
func (o *Orchestrator) SharingScreen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sharing
}

// Participants returns a point-in-time copy of the participant map.
func (o *Orchestrator) Participants() []Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Participant, 0, len(o.participants))
	for _, p := range o.participants {
		out = append(out, p.snapshot())
	}
	return out
}

// StartCall acquires local capture (audio always, video unless audioOnly),
// subscribes to the channel's signaling stream and announces the join. The
// announcement is sent only after the transport is confirmed open, so a
// buffered "I've joined" can never be lost. On capture failure the session
// never starts: a descriptive error is emitted and no signaling is sent.
func (o *Orchestrator) StartCall(ctx context.Context, id domain.ChannelID, audioOnly bool) error {
	o.mu.Lock()
	if o.state == domain.CallAcquiring || o.state == domain.CallActive {
		o.mu.Unlock()
		return ErrCallInProgress
	}
	o.state = domain.CallAcquiring
	o.channelID = id
	o.epoch++
	epoch := o.epoch
	o.mu.Unlock()

	local, err := o.devices.GetUserMedia(ctx, audioOnly)
	if err != nil {
		o.mu.Lock()
		if o.state == domain.CallAcquiring && o.epoch == epoch {
			o.state = domain.CallIdle
		}
		o.mu.Unlock()
		o.fail("capture", msgMediaDenied, err)
		return err
	}

	msgs, cancel := o.signals.Open(ctx, id)

	o.mu.Lock()
	if o.state != domain.CallAcquiring || o.epoch != epoch {
		// EndCall raced the pending acquisition: release and bail.
		o.mu.Unlock()
		cancel()
		local.Stop()
		return ErrCallEnded
	}
	o.local = local
	o.state = domain.CallActive
	// Same critical section as the Active transition, so an EndCall
	// arriving right after it always finds the subscription to release.
	o.unsubscribe = cancel
	o.mu.Unlock()
	go o.dispatch(ctx, msgs)

	if err := o.signals.WaitForOpen(ctx, id); err != nil {
		return err
	}
	o.signals.Send(id, signaling.Message{
		Type:        signaling.TypeVideoCallStart,
		UserID:      string(o.self.ID),
		DisplayName: o.self.DisplayName,
		AudioOnly:   audioOnly,
	})
	log.Info().Str("module", "call").Str("channel", string(id)).Bool("audio_only", audioOnly).Msg("call started")
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, msgs <-chan signaling.Message) {
	for msg := range msgs {
		o.HandleSignaling(ctx, msg)
	}
}

// HandleSignaling applies one inbound signaling message to the session.
// Messages from the local user are ignored (broadcast echo), messages that
// reference an unknown participant are defensive no-ops.
func (o *Orchestrator) HandleSignaling(ctx context.Context, msg signaling.Message) {
	sender := domain.UserID(msg.Sender())
	if sender == "" || sender == o.self.ID {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != domain.CallActive {
		return
	}

	switch msg.Type {
	case signaling.TypeVideoCallStart:
		p, err := o.ensurePeer(ctx, sender, msg.DisplayName)
		if err != nil {
			o.fail("peer", "Verbindung zu "+msg.DisplayName+" fehlgeschlagen", err)
			return
		}
		offer, err := p.peer.CreateAndSetOffer()
		if err != nil {
			o.fail("offer", "SDP-Aushandlung fehlgeschlagen", err)
			return
		}
		o.signals.Send(o.channelID, signaling.Message{
			Type:         signaling.TypeOffer,
			TargetUserID: string(sender),
			UserID:       string(o.self.ID),
			DisplayName:  o.self.DisplayName,
			SDP:          offer.SDP,
		})

	case signaling.TypeOffer:
		p, err := o.ensurePeer(ctx, sender, msg.DisplayName)
		if err != nil {
			o.fail("peer", "Verbindung zu "+msg.DisplayName+" fehlgeschlagen", err)
			return
		}
		answer, err := p.peer.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  msg.SDP,
		})
		if err != nil {
			o.fail("answer", "SDP-Aushandlung fehlgeschlagen", err)
			return
		}
		o.signals.Send(o.channelID, signaling.Message{
			Type:         signaling.TypeAnswer,
			TargetUserID: string(sender),
			UserID:       string(o.self.ID),
			DisplayName:  o.self.DisplayName,
			SDP:          answer.SDP,
		})

	case signaling.TypeAnswer:
		// A stale or duplicate answer for a peer we no longer track is not an error.
		p, ok := o.participants[sender]
		if !ok {
			return
		}
		if err := p.peer.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("from", string(sender)).Msg("apply answer")
		}

	case signaling.TypeICECandidate:
		p, ok := o.participants[sender]
		if !ok || msg.Candidate == nil {
			return
		}
		ci := webrtc.ICECandidateInit{
			Candidate:     msg.Candidate.Candidate,
			SDPMid:        msg.Candidate.SDPMid,
			SDPMLineIndex: msg.Candidate.SDPMLineIndex,
		}
		if err := p.peer.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("from", string(sender)).Msg("add ice candidate")
		}

	case signaling.TypeVideoCallEnd:
		if p, ok := o.participants[sender]; ok {
			p.peer.Close()
			delete(o.participants, sender)
		}
		if o.presenter == sender {
			o.presenter = ""
		}

	case signaling.TypeScreenShareStart:
		if o.presenter == "" {
			o.presenter = sender
		}

	case signaling.TypeScreenShareStop:
		// Only the recorded presenter may clear the slot; an out-of-order
		// stop from someone else must not.
		if o.presenter == sender {
			o.presenter = ""
		}
	}
}

// ensurePeer returns the existing participant for a user id or creates one
// with a freshly wired media peer. Caller holds o.mu.
func (o *Orchestrator) ensurePeer(ctx context.Context, userID domain.UserID, displayName string) (*participant, error) {
	if p, ok := o.participants[userID]; ok {
		if displayName != "" {
			p.displayName = displayName
		}
		return p, nil
	}

	peer, err := o.peers(userID)
	if err != nil {
		return nil, err
	}

	channelID := o.channelID
	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		o.signals.Send(channelID, signaling.Message{
			Type:         signaling.TypeICECandidate,
			TargetUserID: string(userID),
			UserID:       string(o.self.ID),
			Candidate: &signaling.Candidate{
				Candidate:     ci.Candidate,
				SDPMid:        ci.SDPMid,
				SDPMLineIndex: ci.SDPMLineIndex,
			},
		})
	})
	peer.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.attachRemoteTrack(userID, track)
	})
	peer.OnClosed(func() {
		log.Info().Str("module", "call").Str("user", string(userID)).Msg("peer connection closed")
	})

	if err := peer.Start(ctx); err != nil {
		peer.Close()
		return nil, err
	}

	p := &participant{
		userID:       userID,
		displayName:  displayName,
		audioEnabled: true,
		videoEnabled: true,
		peer:         peer,
		senders:      make(map[media.Track]core.TrackSender),
	}
	if err := o.addLocalTracks(p); err != nil {
		peer.Close()
		return nil, err
	}
	o.participants[userID] = p
	return p, nil
}

// addLocalTracks attaches camera/mic and, if presenting, screen tracks. A
// track that is currently disabled is attached detached, so a peer joining
// mid-mute receives nothing until the toggle flips back. Caller holds o.mu.
func (o *Orchestrator) addLocalTracks(p *participant) error {
	streams := []media.Stream{o.local}
	if o.sharing && o.screen != nil {
		streams = append(streams, o.screen)
	}
	for _, s := range streams {
		if s == nil {
			continue
		}
		for _, t := range s.Tracks() {
			sender, err := p.peer.AddLocalTrack(t.Local())
			if err != nil {
				return err
			}
			if sender == nil {
				continue
			}
			p.senders[t] = sender
			if !t.Enabled() {
				if err := sender.ReplaceTrack(nil); err != nil {
					log.Warn().Err(err).Str("module", "call").Str("user", string(p.userID)).Msg("detach muted track")
				}
			}
		}
	}
	return nil
}

// attachRemoteTrack records a remote track reference on its participant.
// Previously known audio/video flags are preserved: a new stream must not
// reset them.
func (o *Orchestrator) attachRemoteTrack(userID domain.UserID, track *webrtc.TrackRemote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.participants[userID]
	if !ok {
		return
	}
	p.tracks = append(p.tracks, track)
}

// ToggleAudio flips the local audio track. Returns the new enabled state, or
// false with no side effect when no local stream or track exists.
func (o *Orchestrator) ToggleAudio() bool { return o.toggle(media.KindAudio) }

// ToggleVideo flips the local video track, same contract as ToggleAudio.
func (o *Orchestrator) ToggleVideo() bool { return o.toggle(media.KindVideo) }

// toggle flips the flag and enforces it on every peer: a disabled track is
// detached from its senders (ReplaceTrack(nil)), so nothing goes out, and
// reattached on re-enable. The transceivers stay up, no renegotiation.
func (o *Orchestrator) toggle(kind string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.local == nil {
		return false
	}
	var t media.Track
	if kind == media.KindAudio {
		t = o.local.AudioTrack()
	} else {
		t = o.local.VideoTrack()
	}
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	enabled := t.Enabled()
	for _, p := range o.participants {
		sender, ok := p.senders[t]
		if !ok {
			continue
		}
		var err error
		if enabled {
			err = sender.ReplaceTrack(t.Local())
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "call").Str("user", string(p.userID)).Str("kind", kind).Msg("toggle track")
		}
	}
	return enabled
}

// StartScreenShare acquires display capture, attaches it to every peer and
// announces it to the channel. A remote presenter being active does not block
// a local share; the two are tracked separately.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	o.mu.Lock()
	if o.state != domain.CallActive {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	if o.sharing {
		o.mu.Unlock()
		return nil
	}
	id := o.channelID
	o.mu.Unlock()

	screen, err := o.devices.GetDisplayMedia(ctx)
	if err != nil {
		o.fail("screen", msgScreenDenied, err)
		return err
	}

	o.mu.Lock()
	if o.state != domain.CallActive {
		o.mu.Unlock()
		screen.Stop()
		return ErrNoActiveCall
	}
	o.screen = screen
	o.sharing = true
	for _, p := range o.participants {
		for _, t := range screen.Tracks() {
			sender, err := p.peer.AddLocalTrack(t.Local())
			if err != nil {
				log.Warn().Err(err).Str("module", "call").Str("user", string(p.userID)).Msg("attach screen track")
				continue
			}
			if sender != nil {
				p.senders[t] = sender
			}
		}
	}
	o.mu.Unlock()

	o.signals.Send(id, signaling.Message{
		Type:        signaling.TypeScreenShareStart,
		UserID:      string(o.self.ID),
		DisplayName: o.self.DisplayName,
	})
	return nil
}

// StopScreenShare releases display capture and announces the stop. No-op when
// not presenting.
func (o *Orchestrator) StopScreenShare() {
	o.mu.Lock()
	if !o.sharing {
		o.mu.Unlock()
		return
	}
	screen := o.screen
	o.screen = nil
	o.sharing = false
	id := o.channelID
	if screen != nil {
		for _, p := range o.participants {
			for _, t := range screen.Tracks() {
				delete(p.senders, t)
			}
		}
	}
	o.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	o.signals.Send(id, signaling.Message{
		Type:   signaling.TypeScreenShareStop,
		UserID: string(o.self.ID),
	})
}

// InviteUser rings a user on their own connections, wherever they currently
// are. Delivery across channels is the relay's job.
func (o *Orchestrator) InviteUser(id domain.ChannelID, target domain.UserID, audioOnly bool) {
	o.signals.Send(id, signaling.Message{
		Type:         signaling.TypeVideoCallInvite,
		TargetUserID: string(target),
		UserID:       string(o.self.ID),
		DisplayName:  o.self.DisplayName,
		ChannelID:    string(id),
		AudioOnly:    audioOnly,
	})
}

// CancelInvite withdraws a pending invite.
func (o *Orchestrator) CancelInvite(id domain.ChannelID, target domain.UserID) {
	o.signals.Send(id, signaling.Message{
		Type:         signaling.TypeVideoCallCancel,
		TargetUserID: string(target),
		UserID:       string(o.self.ID),
	})
}

// EndCall announces the leave, closes every peer connection, stops every
// local track (camera/mic and screen) and clears the session. Idempotent and
// safe to call when no call is active.
func (o *Orchestrator) EndCall() {
	o.mu.Lock()
	if o.state == domain.CallAcquiring {
		// Acquisition still pending: mark the session ended so the
		// in-flight StartCall releases its stream on completion.
		o.state = domain.CallEnded
		o.epoch++
		o.mu.Unlock()
		return
	}
	if o.state != domain.CallActive {
		o.mu.Unlock()
		return
	}
	o.state = domain.CallEnded
	id := o.channelID
	local, screen := o.local, o.screen
	o.local, o.screen = nil, nil
	o.sharing = false
	o.presenter = ""
	peers := make([]core.MediaPeer, 0, len(o.participants))
	for _, p := range o.participants {
		peers = append(peers, p.peer)
	}
	o.participants = make(map[domain.UserID]*participant)
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	o.signals.Send(id, signaling.Message{
		Type:   signaling.TypeVideoCallEnd,
		UserID: string(o.self.ID),
	})
	for _, peer := range peers {
		peer.Close()
	}
	if local != nil {
		local.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	log.Info().Str("module", "call").Str("channel", string(id)).Msg("call ended")
}

func (o *Orchestrator) fail(op, message string, err error) {
	log.Error().Err(err).Str("module", "call").Str("op", op).Msg(message)
	select {
	case o.errs <- Error{Op: op, Message: message, Err: err}:
	default:
	}
}
