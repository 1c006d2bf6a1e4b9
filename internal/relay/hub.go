// Package relay is the development signaling relay: it implements the
// backend's per-channel websocket routing semantics so the client stack can
// be exercised end-to-end without the production server.
package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/signaling"
)

// client is one registered websocket connection.
type client struct {
	userID      domain.UserID
	displayName string
	conn        *websocket.Conn
	send        chan core.Frame
	once        sync.Once
}

// TrySend queues a frame without blocking; a full queue means the receiver is
// too slow and the frame is dropped.
func (c *client) TrySend(f core.Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		framesDropped.Inc()
		return core.ErrBackpressure
	}
}

func (c *client) Close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// callState tracks one channel's active call for duration bookkeeping.
type callState struct {
	participants map[domain.UserID]struct{}
	startedAt    time.Time
}

// Hub is the connection registry: channel id → user id → connection, plus a
// reverse index so point-to-point invites reach a user on every connection
// they hold.
type Hub struct {
	mu           sync.RWMutex
	channels     map[domain.ChannelID]map[domain.UserID]*client
	userChannels map[domain.UserID]map[domain.ChannelID]struct{}
	statuses     map[domain.UserID]string
	calls        map[domain.ChannelID]*callState
}

func NewHub() *Hub {
	return &Hub{
		channels:     make(map[domain.ChannelID]map[domain.UserID]*client),
		userChannels: make(map[domain.UserID]map[domain.ChannelID]struct{}),
		statuses:     make(map[domain.UserID]string),
		calls:        make(map[domain.ChannelID]*callState),
	}
}

func (h *Hub) Connect(channelID domain.ChannelID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channelID] == nil {
		h.channels[channelID] = make(map[domain.UserID]*client)
	}
	h.channels[channelID][c.userID] = c
	if h.userChannels[c.userID] == nil {
		h.userChannels[c.userID] = make(map[domain.ChannelID]struct{})
	}
	h.userChannels[c.userID][channelID] = struct{}{}
	activeConnections.Inc()
	log.Info().Str("module", "relay").Str("channel", string(channelID)).Str("user", string(c.userID)).Msg("connected")
}

func (h *Hub) Disconnect(channelID domain.ChannelID, userID domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.channels[channelID]; ok {
		if _, ok := conns[userID]; ok {
			delete(conns, userID)
			activeConnections.Dec()
		}
		if len(conns) == 0 {
			delete(h.channels, channelID)
		}
	}
	if chans, ok := h.userChannels[userID]; ok {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(h.userChannels, userID)
			h.statuses[userID] = domain.StatusOffline
		}
	}
	log.Info().Str("module", "relay").Str("channel", string(channelID)).Str("user", string(userID)).Msg("disconnected")
}

// SendToChannel fans a message out to every connection in a channel,
// optionally excluding one user (usually the sender of a broadcast echo).
func (h *Hub) SendToChannel(channelID domain.ChannelID, msg signaling.Message, exclude domain.UserID) {
	f, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode broadcast")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for uid, c := range h.channels[channelID] {
		if uid == exclude {
			continue
		}
		_ = c.TrySend(f)
	}
	messagesRouted.WithLabelValues(msg.Type).Inc()
}

// SendToUserInChannel routes a point-to-point message to one user's
// connection in a specific channel.
func (h *Hub) SendToUserInChannel(channelID domain.ChannelID, userID domain.UserID, msg signaling.Message) {
	f, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode p2p")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.channels[channelID][userID]; ok {
		_ = c.TrySend(f)
		messagesRouted.WithLabelValues(msg.Type).Inc()
	}
}

// SendToUser delivers to every connection the target user currently holds,
// whichever channels they are viewing.
func (h *Hub) SendToUser(userID domain.UserID, msg signaling.Message) {
	f, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode to-user")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for channelID := range h.userChannels[userID] {
		if c, ok := h.channels[channelID][userID]; ok {
			_ = c.TrySend(f)
		}
	}
	messagesRouted.WithLabelValues(msg.Type).Inc()
}

func (h *Hub) OnlineUsers(channelID domain.ChannelID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels[channelID]))
	for uid := range h.channels[channelID] {
		out = append(out, string(uid))
	}
	return out
}

func (h *Hub) SetStatus(userID domain.UserID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[userID] = status
}

func (h *Hub) Status(userID domain.UserID) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.statuses[userID]; ok {
		return s
	}
	return domain.StatusOnline
}

// ChannelStatuses snapshots the status of everyone connected to a channel.
func (h *Hub) ChannelStatuses(channelID domain.ChannelID) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.channels[channelID]))
	for uid := range h.channels[channelID] {
		if s, ok := h.statuses[uid]; ok {
			out[string(uid)] = s
		} else {
			out[string(uid)] = domain.StatusOnline
		}
	}
	return out
}

// JoinCall registers a call participant; reports whether they were the first,
// which starts the duration clock.
func (h *Hub) JoinCall(channelID domain.ChannelID, userID domain.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs, ok := h.calls[channelID]
	if !ok {
		cs = &callState{participants: make(map[domain.UserID]struct{}), startedAt: time.Now()}
		h.calls[channelID] = cs
	}
	first := len(cs.participants) == 0
	cs.participants[userID] = struct{}{}
	return first
}

// LeaveCall removes a participant; when the last one leaves it returns the
// call duration and clears the call.
func (h *Hub) LeaveCall(channelID domain.ChannelID, userID domain.UserID) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs, ok := h.calls[channelID]
	if !ok {
		return 0, false
	}
	if _, in := cs.participants[userID]; !in {
		return 0, false
	}
	delete(cs.participants, userID)
	if len(cs.participants) > 0 {
		return 0, false
	}
	delete(h.calls, channelID)
	return time.Since(cs.startedAt), true
}
