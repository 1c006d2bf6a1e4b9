//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Capture implements Devices on top of pion/mediadevices (V4L2 camera, malgo
// microphone, X11 screen grab).
type Capture struct {
	selector *mediadevices.CodecSelector
}

func NewCapture() (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the capture codecs on a MediaEngine so peer connections
// negotiate the formats the encoders actually produce.
func (c *Capture) Populate(me *webrtc.MediaEngine) {
	c.selector.Populate(me)
}

func (c *Capture) GetUserMedia(_ context.Context, audioOnly bool) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if !audioOnly {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG camera nodes can emit malformed frames
			// that poison the VP8 encoder.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mtc.Width = prop.IntRanged{Max: 1280}
			mtc.Height = prop.IntRanged{Max: 720}
		}
	}
	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return wrapStream(ms), nil
}

func (c *Capture) GetDisplayMedia(_ context.Context) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	ms, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	return wrapStream(ms), nil
}

func wrapStream(ms mediadevices.MediaStream) Stream {
	var tracks []Track
	for _, t := range ms.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("capture track ended")
			}
		})
		var kind string
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			kind = KindAudio
		default:
			kind = KindVideo
		}
		capture := t
		tracks = append(tracks, NewTrack(kind, capture, func() {
			if err := capture.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("close capture track")
			}
		}))
	}
	return NewStream(tracks...)
}
