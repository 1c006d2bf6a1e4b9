// Package media abstracts local capture (camera, microphone, screen) behind
// small interfaces so call orchestration never touches capture hardware
// directly.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

var ErrUnsupportedPlatform = errors.New("media capture not supported on this platform")

// Track is one local capture track. Enabled is the local mute flag; the call
// session enforces it by detaching a disabled track from its peer senders,
// keeping the transceiver alive so toggling back on needs no renegotiation.
type Track interface {
	Kind() string
	Enabled() bool
	SetEnabled(bool)
	// Local returns the handle to attach to a peer connection.
	Local() webrtc.TrackLocal
	// Stop releases the capture device behind the track.
	Stop()
}

// Stream is a set of tracks acquired together and released together. The call
// session owns its streams; remote tracks are never wrapped in one.
type Stream interface {
	Tracks() []Track
	AudioTrack() Track
	VideoTrack() Track
	Stop()
}

// Devices is the capture entry point, the getUserMedia/getDisplayMedia
// equivalent.
type Devices interface {
	GetUserMedia(ctx context.Context, audioOnly bool) (Stream, error)
	GetDisplayMedia(ctx context.Context) (Stream, error)
}

type track struct {
	kind  string
	local webrtc.TrackLocal
	stop  func()

	mu      sync.Mutex
	enabled bool
	stopped bool
}

// NewTrack wraps a local capture track with an enabled flag and a one-shot
// stop func.
func NewTrack(kind string, local webrtc.TrackLocal, stop func()) Track {
	return &track{kind: kind, local: local, stop: stop, enabled: true}
}

func (t *track) Kind() string             { return t.kind }
func (t *track) Local() webrtc.TrackLocal { return t.local }

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *track) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if t.stop != nil {
		t.stop()
	}
}

type stream struct {
	tracks []Track
}

// NewStream groups tracks into one owned stream.
func NewStream(tracks ...Track) Stream {
	return &stream{tracks: tracks}
}

func (s *stream) Tracks() []Track { return s.tracks }

func (s *stream) AudioTrack() Track { return s.trackOfKind(KindAudio) }
func (s *stream) VideoTrack() Track { return s.trackOfKind(KindVideo) }

func (s *stream) trackOfKind(kind string) Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
