//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Capture is a stub on platforms without wired capture drivers. Calls join
// signaling-only; local capture reports ErrUnsupportedPlatform.
type Capture struct{}

func NewCapture() (*Capture, error) { return &Capture{}, nil }

// Populate falls back to the default codec set; there is no local encoder to
// match against.
func (c *Capture) Populate(me *webrtc.MediaEngine) {
	_ = me.RegisterDefaultCodecs()
}

func (c *Capture) GetUserMedia(_ context.Context, _ bool) (Stream, error) {
	return nil, ErrUnsupportedPlatform
}

func (c *Capture) GetDisplayMedia(_ context.Context) (Stream, error) {
	return nil, ErrUnsupportedPlatform
}
