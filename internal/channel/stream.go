package channel

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/signaling"
)

// Stream is one channel's live event stream plus its outbound half. It is
// created Connecting, holds outbound frames until the transport opens, and is
// terminal once Closed; a fresh Connect on the manager yields a new identity.
type Stream struct {
	id      domain.ChannelID
	global  *broker[Event]
	onClose func(*Stream)

	mu      sync.Mutex
	state   domain.ConnState
	conn    core.Conn
	pending []core.Frame

	send     chan core.Frame
	subs     *broker[signaling.Message]
	opened   chan struct{}
	openOnce sync.Once
	done     chan struct{}
}

func newStream(id domain.ChannelID, global *broker[Event], onClose func(*Stream)) *Stream {
	return &Stream{
		id:      id,
		global:  global,
		onClose: onClose,
		state:   domain.Connecting,
		send:    make(chan core.Frame, 32),
		subs:    newBroker[signaling.Message](),
		opened:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Stream) ID() domain.ChannelID { return s.id }

func (s *Stream) State() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe attaches a consumer to the inbound event stream. Messages arrive
// in transport order; the channel is closed when the stream completes.
func (s *Stream) Subscribe() (<-chan signaling.Message, func()) {
	return s.subs.Subscribe()
}

// Done is closed once the stream is terminal.
func (s *Stream) Done() <-chan struct{} { return s.done }

// open installs the dialed connection and drains the outbound buffer in FIFO
// order. The flush happens before the read pump starts, so every buffered
// frame reaches the transport ahead of any post-open send and ahead of the
// delivery of any inbound message. Returns false if the stream was
// disconnected while dialing.
func (s *Stream) open(conn core.Conn) bool {
	s.mu.Lock()
	if s.state != domain.Connecting {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.state = domain.Open
	for _, f := range s.pending {
		if err := conn.WriteFrame(f); err != nil {
			log.Warn().Err(err).Str("module", "channel").Str("channel", string(s.id)).Msg("flush write failed")
			break
		}
	}
	s.pending = nil
	s.mu.Unlock()
	s.openOnce.Do(func() { close(s.opened) })
	return true
}

// enqueue routes one outbound frame: buffered while Connecting, queued to the
// writer while Open, dropped silently once Closed.
func (s *Stream) enqueue(f core.Frame) {
	s.mu.Lock()
	switch s.state {
	case domain.Connecting:
		s.pending = append(s.pending, f)
		s.mu.Unlock()
	case domain.Open:
		s.mu.Unlock()
		select {
		case s.send <- f:
		case <-s.done:
		}
	default:
		s.mu.Unlock()
	}
}

// trySend is the best-effort variant used for status broadcasts: no buffering
// while Connecting, no blocking on a congested writer.
func (s *Stream) trySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.Open {
		return core.ErrTransportClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *Stream) writePump(conn core.Conn) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			if err := conn.WriteFrame(f); err != nil {
				log.Warn().Err(err).Str("module", "channel").Str("channel", string(s.id)).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump delivers inbound frames in arrival order. Protocol errors
// (undecodable frames) and abnormal transport errors surface as in-band
// error messages; only connection closure completes the stream.
func (s *Stream) readPump(conn core.Conn) {
	defer s.close()
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if !isNormalClose(err) {
				s.deliver(signaling.Error("transport error: " + err.Error()))
			}
			return
		}
		msg, err := signaling.Decode(f)
		if err != nil {
			s.deliver(signaling.Error("malformed frame: " + err.Error()))
			continue
		}
		s.deliver(msg)
	}
}

func (s *Stream) deliver(msg signaling.Message) {
	s.subs.Publish(msg)
	s.global.Publish(Event{ChannelID: s.id, Message: msg})
}

// close is the single terminal transition: buffer cleared, transport closed,
// subscribers completed, registry entry released. Idempotent.
func (s *Stream) close() {
	s.mu.Lock()
	if s.state == domain.Closed {
		s.mu.Unlock()
		return
	}
	s.state = domain.Closed
	s.pending = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	close(s.done)
	// Unblock any WaitForOpen still parked on a never-opened stream.
	s.openOnce.Do(func() { close(s.opened) })
	s.subs.Close()
	if s.onClose != nil {
		s.onClose(s)
	}
	log.Info().Str("module", "channel").Str("channel", string(s.id)).Msg("stream closed")
}

func isNormalClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, core.ErrTransportClosed)
}
