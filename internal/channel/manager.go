// Package channel owns one signaling transport per logical channel:
// connect/disconnect lifecycle, outbound buffering until the transport opens,
// ordered fan-out of inbound messages, and a cross-channel global stream.
package channel

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/signaling"
)

// Event is an inbound message tagged with the channel it arrived on,
// published to the manager's global stream.
type Event struct {
	ChannelID domain.ChannelID
	Message   signaling.Message
}

// Manager is the keyed registry of channel streams. At most one stream exists
// per channel id; Connect is idempotent while a stream is connecting or open.
type Manager struct {
	transport core.Transport

	mu      sync.Mutex
	streams map[domain.ChannelID]*Stream
	global  *broker[Event]
}

func NewManager(transport core.Transport) *Manager {
	return &Manager{
		transport: transport,
		streams:   make(map[domain.ChannelID]*Stream),
		global:    newBroker[Event](),
	}
}

// Connect returns the existing stream for id if one is connecting or open,
// otherwise dials a fresh transport. The returned stream is usable
// immediately: sends are buffered until the transport opens.
func (m *Manager) Connect(ctx context.Context, id domain.ChannelID) *Stream {
	m.mu.Lock()
	if s, ok := m.streams[id]; ok {
		m.mu.Unlock()
		return s
	}
	s := newStream(id, m.global, m.remove)
	m.streams[id] = s
	m.mu.Unlock()

	go m.establish(ctx, s)
	return s
}

// Open is the one-call convenience for call orchestration: connect (or join
// an existing stream) and subscribe in a single step.
func (m *Manager) Open(ctx context.Context, id domain.ChannelID) (<-chan signaling.Message, func()) {
	return m.Connect(ctx, id).Subscribe()
}

func (m *Manager) establish(ctx context.Context, s *Stream) {
	conn, err := m.transport.Dial(ctx, s.id)
	if err != nil {
		log.Warn().Err(err).Str("module", "channel").Str("channel", string(s.id)).Msg("dial failed")
		s.deliver(signaling.Error("connect failed: " + err.Error()))
		s.close()
		return
	}
	if !s.open(conn) {
		// Disconnected while dialing.
		_ = conn.Close()
		return
	}
	go s.writePump(conn)
	go s.readPump(conn)
	log.Info().Str("module", "channel").Str("channel", string(s.id)).Msg("channel open")
}

// Send serializes and transmits msg on the channel's transport. While the
// transport is still connecting the frame is buffered FIFO; for an unknown
// channel id the call is a silent no-op, so callers never have to check
// connection state first.
func (m *Manager) Send(id domain.ChannelID, msg signaling.Message) {
	m.mu.Lock()
	s, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "channel").Str("channel", string(id)).Str("type", msg.Type).Msg("send on unknown channel dropped")
		return
	}
	f, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Str("type", msg.Type).Msg("encode failed")
		return
	}
	s.enqueue(f)
}

// WaitForOpen blocks until the channel's transport is open. It returns nil
// immediately for an already-open or unknown channel id, and also returns nil
// if the stream closes before ever opening, so racing callers never deadlock.
func (m *Manager) WaitForOpen(ctx context.Context, id domain.ChannelID) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.opened:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the channel's transport, clears its buffer and completes
// its subscribers. A later Connect for the same id creates a fresh stream.
func (m *Manager) Disconnect(id domain.ChannelID) {
	m.mu.Lock()
	s, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for id, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, id)
	}
	m.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

// BroadcastStatus sends a status_change to every channel whose transport is
// currently open. Connecting channels are skipped: status broadcast is
// best-effort, never buffered.
func (m *Manager) BroadcastStatus(status string) {
	f, err := signaling.Message{Type: signaling.TypeStatusChange, Status: status}.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("encode status failed")
		return
	}
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()
	for _, s := range streams {
		if err := s.trySend(f); err != nil {
			log.Debug().Err(err).Str("module", "channel").Str("channel", string(s.id)).Msg("status broadcast skipped")
		}
	}
}

// SubscribeAll attaches a consumer to the global stream: every inbound
// message on every channel, tagged with its channel id. This is how call
// invites are observed while an unrelated channel is in the foreground.
func (m *Manager) SubscribeAll() (<-chan Event, func()) {
	return m.global.Subscribe()
}

// remove drops a closed stream from the registry, unless a newer stream
// already took over the id.
func (m *Manager) remove(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.id]; ok && cur == s {
		delete(m.streams, s.id)
	}
}
