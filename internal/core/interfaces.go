package core

import (
	"context"
	"errors"

	"github.com/agora-collab/realtime/internal/domain"
)

// Frame is a raw serialized signaling payload (one JSON object per frame).
type Frame []byte

var (
	// ErrBackpressure is returned when a best-effort send would block.
	ErrBackpressure = errors.New("send buffer full")
	// ErrTransportClosed is returned by reads and writes after the
	// underlying connection is gone.
	ErrTransportClosed = errors.New("transport closed")
)

// Conn is one established bidirectional frame transport for a channel.
// Owned by the channel stream; the stream must Close() it.
type Conn interface {
	// ReadFrame blocks until the next inbound frame. It returns io.EOF
	// when the peer closed the connection cleanly and any other error
	// for abnormal termination.
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Transport dials the signaling endpoint for one channel.
type Transport interface {
	Dial(ctx context.Context, channelID domain.ChannelID) (Conn, error)
}
