package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-collab/realtime/internal/channel"
	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/media"
	"github.com/agora-collab/realtime/internal/signaling"
)

var self = domain.User{ID: "me", DisplayName: "Ich"}

type fakeSignaling struct {
	mu   sync.Mutex
	sent []signaling.Message
	msgs chan signaling.Message

	opens  int
	unsubs int
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{msgs: make(chan signaling.Message, 16)}
}

func (f *fakeSignaling) Open(_ context.Context, _ domain.ChannelID) (<-chan signaling.Message, func()) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return f.msgs, func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}
}

func (f *fakeSignaling) Send(_ domain.ChannelID, msg signaling.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeSignaling) WaitForOpen(_ context.Context, _ domain.ChannelID) error { return nil }

func (f *fakeSignaling) ofType(typ string) []signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeTrack struct {
	kind    string
	enabled bool
	stopped bool
	local   webrtc.TrackLocal
}

func newFakeTrack(kind string) *fakeTrack {
	mime := webrtc.MimeTypeOpus
	if kind == media.KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, "test")
	if err != nil {
		panic(err)
	}
	return &fakeTrack{kind: kind, enabled: true, local: local}
}

func (t *fakeTrack) Kind() string             { return t.kind }
func (t *fakeTrack) Enabled() bool            { return t.enabled }
func (t *fakeTrack) SetEnabled(v bool)        { t.enabled = v }
func (t *fakeTrack) Local() webrtc.TrackLocal { return t.local }
func (t *fakeTrack) Stop()                    { t.stopped = true }

type fakeStream struct {
	tracks  []media.Track
	stopped bool
}

func (s *fakeStream) Tracks() []media.Track { return s.tracks }
func (s *fakeStream) Stop()                 { s.stopped = true }

func (s *fakeStream) AudioTrack() media.Track { return s.trackOfKind(media.KindAudio) }
func (s *fakeStream) VideoTrack() media.Track { return s.trackOfKind(media.KindVideo) }

func (s *fakeStream) trackOfKind(kind string) media.Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func userStream(audioOnly bool) *fakeStream {
	tracks := []media.Track{newFakeTrack(media.KindAudio)}
	if !audioOnly {
		tracks = append(tracks, newFakeTrack(media.KindVideo))
	}
	return &fakeStream{tracks: tracks}
}

type fakeDevices struct {
	mu            sync.Mutex
	lastAudioOnly bool
	userErr       error
	displayErr    error
	user          *fakeStream
	display       *fakeStream
	// gate, when non-nil, holds GetUserMedia until it is closed.
	gate chan struct{}
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, audioOnly bool) (media.Stream, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAudioOnly = audioOnly
	if d.userErr != nil {
		return nil, d.userErr
	}
	d.user = userStream(audioOnly)
	return d.user, nil
}

func (d *fakeDevices) GetDisplayMedia(_ context.Context) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	d.display = &fakeStream{tracks: []media.Track{newFakeTrack(media.KindVideo)}}
	return d.display, nil
}

// fakeSender records every ReplaceTrack call so tests can see a track being
// detached (nil) or reattached.
type fakeSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	s.replaced = append(s.replaced, track)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) calls() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.replaced))
	copy(out, s.replaced)
	return out
}

type fakePeer struct {
	mu          sync.Mutex
	userID      domain.UserID
	started     bool
	closed      bool
	localTracks int
	senders     map[webrtc.TrackLocal]*fakeSender
	onTrack     func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	offers      []string
	answers     []string
	candidates  []webrtc.ICECandidateInit
}

func (p *fakePeer) Start(_ context.Context) error { p.started = true; return nil }
func (p *fakePeer) Close()                        { p.mu.Lock(); p.closed = true; p.mu.Unlock() }

func (p *fakePeer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, ci)
	return nil
}

func (p *fakePeer) ApplyAnswer(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sd.SDP)
	return nil
}

func (p *fakePeer) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-to-" + string(p.userID)}, nil
}

func (p *fakePeer) ApplyOfferAndCreateAnswer(sd webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.offers = append(p.offers, sd.SDP)
	p.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + string(p.userID)}, nil
}

func (p *fakePeer) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (p *fakePeer) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.onTrack = fn
}

func (p *fakePeer) OnClosed(func()) {}

func (p *fakePeer) AddLocalTrack(track webrtc.TrackLocal) (core.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTracks++
	if p.senders == nil {
		p.senders = make(map[webrtc.TrackLocal]*fakeSender)
	}
	s := &fakeSender{}
	p.senders[track] = s
	return s, nil
}

func (p *fakePeer) sender(track webrtc.TrackLocal) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[track]
}

type peerRegistry struct {
	mu    sync.Mutex
	peers map[domain.UserID]*fakePeer
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[domain.UserID]*fakePeer)}
}

func (r *peerRegistry) factory(userID domain.UserID) (core.MediaPeer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePeer{userID: userID}
	r.peers[userID] = p
	return p, nil
}

func (r *peerRegistry) peer(id domain.UserID) *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[id]
}

func newTestOrchestrator() (*Orchestrator, *fakeSignaling, *fakeDevices, *peerRegistry) {
	sig := newFakeSignaling()
	dev := &fakeDevices{}
	reg := newPeerRegistry()
	return NewOrchestrator(sig, dev, reg.factory, self), sig, dev, reg
}

func startedCall(t *testing.T) (*Orchestrator, *fakeSignaling, *fakeDevices, *peerRegistry) {
	t.Helper()
	o, sig, dev, reg := newTestOrchestrator()
	require.NoError(t, o.StartCall(context.Background(), "general", false))
	return o, sig, dev, reg
}

func TestStartCallAnnouncesAfterOpen(t *testing.T) {
	o, sig, dev, _ := newTestOrchestrator()

	require.NoError(t, o.StartCall(context.Background(), "general", true))
	assert.Equal(t, domain.CallActive, o.State())
	assert.True(t, dev.lastAudioOnly)

	starts := sig.ofType(signaling.TypeVideoCallStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "me", starts[0].UserID)
	assert.Equal(t, "Ich", starts[0].DisplayName)
	assert.True(t, starts[0].AudioOnly)
}

func TestStartCallCaptureDenied(t *testing.T) {
	o, sig, dev, _ := newTestOrchestrator()
	dev.userErr = errors.New("permission denied")

	err := o.StartCall(context.Background(), "general", false)
	require.Error(t, err)
	assert.Equal(t, domain.CallIdle, o.State())

	sig.mu.Lock()
	assert.Empty(t, sig.sent, "no signaling may be sent on capture failure")
	sig.mu.Unlock()

	select {
	case e := <-o.Errors():
		assert.Contains(t, e.Message, "Zugriff")
	case <-time.After(time.Second):
		t.Fatal("expected a capture error on the error stream")
	}
}

func TestStartCallWhileActive(t *testing.T) {
	o, _, _, _ := startedCall(t)
	err := o.StartCall(context.Background(), "general", false)
	require.ErrorIs(t, err, ErrCallInProgress)
}

func TestEndCallDuringAcquisitionReleasesStream(t *testing.T) {
	o, sig, dev, _ := newTestOrchestrator()
	dev.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- o.StartCall(context.Background(), "general", false) }()

	require.Eventually(t, func() bool {
		return o.State() == domain.CallAcquiring
	}, time.Second, 5*time.Millisecond)

	o.EndCall()
	close(dev.gate)

	require.ErrorIs(t, <-result, ErrCallEnded)
	dev.mu.Lock()
	require.NotNil(t, dev.user)
	assert.True(t, dev.user.stopped, "the raced capture stream must be released")
	dev.mu.Unlock()
	assert.Empty(t, sig.ofType(signaling.TypeVideoCallStart))
	assert.Empty(t, sig.ofType(signaling.TypeVideoCallEnd))

	// The lost race must not leave a dangling subscription behind.
	sig.mu.Lock()
	assert.Equal(t, sig.opens, sig.unsubs, "every opened subscription is cancelled")
	sig.mu.Unlock()
}

func TestHandleSignalingIgnoresSelfEcho(t *testing.T) {
	o, sig, _, reg := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{
		Type:   signaling.TypeVideoCallStart,
		UserID: "me",
	})

	assert.Empty(t, o.Participants())
	assert.Empty(t, reg.peers)
	assert.Empty(t, sig.ofType(signaling.TypeOffer))
}

func TestRemoteJoinTriggersOffer(t *testing.T) {
	o, sig, _, reg := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{
		Type:        signaling.TypeVideoCallStart,
		UserID:      "u2",
		DisplayName: "Uwe",
	})

	offers := sig.ofType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "u2", offers[0].TargetUserID)
	assert.Equal(t, "me", offers[0].UserID)
	assert.Equal(t, "offer-to-u2", offers[0].SDP)

	peer := reg.peer("u2")
	require.NotNil(t, peer)
	assert.True(t, peer.started)
	assert.Equal(t, 2, peer.localTracks, "mic and camera must be attached")

	parts := o.Participants()
	require.Len(t, parts, 1)
	assert.Equal(t, "Uwe", parts[0].DisplayName)
	assert.True(t, parts[0].AudioEnabled)
	assert.True(t, parts[0].VideoEnabled)
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	o, sig, _, reg := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{
		Type:        signaling.TypeOffer,
		FromUserID:  "u2",
		DisplayName: "Uwe",
		SDP:         "their-offer",
	})

	answers := sig.ofType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "u2", answers[0].TargetUserID)
	assert.Equal(t, "answer-to-u2", answers[0].SDP)

	peer := reg.peer("u2")
	require.NotNil(t, peer)
	assert.Equal(t, []string{"their-offer"}, peer.offers)
}

func TestStaleAnswerAndCandidateAreIgnored(t *testing.T) {
	o, _, _, reg := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{
		Type:       signaling.TypeAnswer,
		FromUserID: "ghost",
		SDP:        "stale",
	})
	o.HandleSignaling(context.Background(), signaling.Message{
		Type:       signaling.TypeICECandidate,
		FromUserID: "ghost",
		Candidate:  &signaling.Candidate{Candidate: "candidate:1"},
	})

	assert.Empty(t, o.Participants())
	assert.Empty(t, reg.peers, "no peer may be created for answer or candidate")
}

func TestSignalingIgnoredWhenNoCallActive(t *testing.T) {
	o, sig, _, _ := newTestOrchestrator()

	o.HandleSignaling(context.Background(), signaling.Message{
		Type:   signaling.TypeVideoCallStart,
		UserID: "u2",
	})

	assert.Empty(t, o.Participants())
	assert.Empty(t, sig.ofType(signaling.TypeOffer))
}

func TestRemoteLeaveRemovesParticipantAndPresenter(t *testing.T) {
	o, _, _, reg := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2"})
	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeScreenShareStart, UserID: "u2"})

	presenter, ok := o.Presenter()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), presenter)

	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallEnd, UserID: "u2"})

	assert.Empty(t, o.Participants())
	assert.True(t, reg.peer("u2").closed)
	_, ok = o.Presenter()
	assert.False(t, ok)
}

func TestPresenterSlot(t *testing.T) {
	o, _, _, _ := startedCall(t)

	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeScreenShareStart, UserID: "u2"})
	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeScreenShareStart, UserID: "u3"})

	presenter, _ := o.Presenter()
	assert.Equal(t, domain.UserID("u2"), presenter, "first presenter keeps the slot")

	// A stop from someone who is not the presenter must not clear it.
	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeScreenShareStop, UserID: "u3"})
	presenter, ok := o.Presenter()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), presenter)

	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeScreenShareStop, UserID: "u2"})
	_, ok = o.Presenter()
	assert.False(t, ok)
}

func TestToggles(t *testing.T) {
	t.Run("without a call there is nothing to toggle", func(t *testing.T) {
		o, _, _, _ := newTestOrchestrator()
		assert.False(t, o.ToggleAudio())
		assert.False(t, o.ToggleVideo())
	})

	t.Run("audio-only call has no video track", func(t *testing.T) {
		o, _, _, _ := newTestOrchestrator()
		require.NoError(t, o.StartCall(context.Background(), "general", true))
		assert.False(t, o.ToggleAudio(), "toggle flips enabled off")
		assert.True(t, o.ToggleAudio())
		assert.False(t, o.ToggleVideo(), "no video track in an audio-only call")
	})

	t.Run("video call toggles both", func(t *testing.T) {
		o, _, dev, _ := startedCall(t)
		assert.False(t, o.ToggleVideo())
		assert.False(t, dev.user.VideoTrack().Enabled())
		assert.True(t, o.ToggleVideo())
	})
}

func TestToggleDetachesAndReattachesSenders(t *testing.T) {
	o, _, dev, reg := startedCall(t)
	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2"})

	video := dev.user.VideoTrack()
	audio := dev.user.AudioTrack()
	peer := reg.peer("u2")
	sender := peer.sender(video.Local())
	require.NotNil(t, sender)

	assert.False(t, o.ToggleVideo())
	calls := sender.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0], "disabling must detach the track from its sender")

	assert.True(t, o.ToggleVideo())
	calls = sender.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, video.Local(), calls[1], "re-enabling must reattach the same track")

	assert.Empty(t, peer.sender(audio.Local()).calls(), "the audio sender stays untouched")
}

func TestPeerJoiningWhileMutedGetsDetachedTrack(t *testing.T) {
	o, _, dev, reg := startedCall(t)
	assert.False(t, o.ToggleAudio())

	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2"})

	peer := reg.peer("u2")
	require.NotNil(t, peer)
	audioSender := peer.sender(dev.user.AudioTrack().Local())
	require.NotNil(t, audioSender)
	calls := audioSender.calls()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0], "a track disabled before the join is attached detached")

	assert.Empty(t, peer.sender(dev.user.VideoTrack().Local()).calls())
}

func TestScreenShare(t *testing.T) {
	t.Run("requires an active call", func(t *testing.T) {
		o, _, _, _ := newTestOrchestrator()
		require.ErrorIs(t, o.StartScreenShare(context.Background()), ErrNoActiveCall)
	})

	t.Run("capture denial surfaces Zugriff error", func(t *testing.T) {
		o, sig, dev, _ := startedCall(t)
		dev.displayErr = errors.New("denied")

		require.Error(t, o.StartScreenShare(context.Background()))
		assert.False(t, o.SharingScreen())
		assert.Empty(t, sig.ofType(signaling.TypeScreenShareStart))

		select {
		case e := <-o.Errors():
			assert.Contains(t, e.Message, "Zugriff")
		case <-time.After(time.Second):
			t.Fatal("expected a screen capture error")
		}
	})

	t.Run("attaches screen tracks to existing peers and announces", func(t *testing.T) {
		o, sig, _, reg := startedCall(t)
		o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2"})
		before := reg.peer("u2").localTracks

		require.NoError(t, o.StartScreenShare(context.Background()))
		assert.True(t, o.SharingScreen())
		assert.Equal(t, before+1, reg.peer("u2").localTracks)
		assert.Len(t, sig.ofType(signaling.TypeScreenShareStart), 1)

		o.StopScreenShare()
		assert.False(t, o.SharingScreen())
		assert.Len(t, sig.ofType(signaling.TypeScreenShareStop), 1)
	})

	t.Run("stop without share is a no-op", func(t *testing.T) {
		o, sig, _, _ := startedCall(t)
		o.StopScreenShare()
		assert.Empty(t, sig.ofType(signaling.TypeScreenShareStop))
	})
}

func TestEndCall(t *testing.T) {
	o, sig, dev, reg := startedCall(t)
	o.HandleSignaling(context.Background(), signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2"})
	require.NoError(t, o.StartScreenShare(context.Background()))

	o.EndCall()
	o.EndCall()

	assert.Len(t, sig.ofType(signaling.TypeVideoCallEnd), 1, "leave is announced exactly once")
	assert.Equal(t, domain.CallEnded, o.State())
	assert.Empty(t, o.Participants())
	assert.True(t, reg.peer("u2").closed)
	assert.True(t, dev.user.stopped)
	assert.True(t, dev.display.stopped)
	assert.False(t, o.SharingScreen())

	sig.mu.Lock()
	assert.Equal(t, 1, sig.unsubs)
	sig.mu.Unlock()

	// A finished session can start again.
	require.NoError(t, o.StartCall(context.Background(), "general", false))
	assert.Equal(t, domain.CallActive, o.State())
}

func TestDispatchDeliversInboundSignaling(t *testing.T) {
	_, sig, _, _ := startedCall(t)

	sig.msgs <- signaling.Message{Type: signaling.TypeVideoCallStart, UserID: "u2", DisplayName: "Uwe"}

	require.Eventually(t, func() bool {
		return len(sig.ofType(signaling.TypeOffer)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchInvites(t *testing.T) {
	events := make(chan channel.Event, 8)
	invites := WatchInvites(events, "me")

	events <- channel.Event{ChannelID: "general", Message: signaling.Message{
		Type: signaling.TypeVideoCallInvite, FromUserID: "me",
	}}
	events <- channel.Event{ChannelID: "general", Message: signaling.Message{
		Type: signaling.TypeTyping, UserID: "u2",
	}}
	events <- channel.Event{ChannelID: "general", Message: signaling.Message{
		Type: signaling.TypeVideoCallInvite, FromUserID: "u2", DisplayName: "Uwe",
		ChannelID: "random", AudioOnly: true,
	}}
	events <- channel.Event{ChannelID: "general", Message: signaling.Message{
		Type: signaling.TypeVideoCallCancel, FromUserID: "u2",
	}}
	close(events)

	got := <-invites
	assert.Equal(t, domain.ChannelID("random"), got.ChannelID)
	assert.Equal(t, domain.UserID("u2"), got.FromUserID)
	assert.Equal(t, "Uwe", got.DisplayName)
	assert.True(t, got.AudioOnly)
	assert.False(t, got.Cancelled)

	got = <-invites
	assert.True(t, got.Cancelled)
	assert.Equal(t, domain.UserID("u2"), got.FromUserID)

	_, open := <-invites
	assert.False(t, open, "invite stream closes with its source")
}
