// Package ws is the gorilla/websocket transport for channel streams: one
// socket per channel, addressed as {endpoint}/{channelId}?token={token}.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/auth"
	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
)

const writeWait = 5 * time.Second

type Dialer struct {
	// Endpoint is the websocket base, e.g. ws://host:8080/ws.
	Endpoint   string
	Auth       auth.Provider
	ReadLimit  int64
	PingPeriod time.Duration
}

func (d *Dialer) Dial(ctx context.Context, channelID domain.ChannelID) (core.Conn, error) {
	token, err := d.Auth.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	self := d.Auth.GetCurrentUser()

	q := url.Values{}
	q.Set("token", token)
	// The production backend resolves identity from the token; the dev relay
	// reads these instead.
	q.Set("user_id", string(self.ID))
	q.Set("name", self.DisplayName)
	target := strings.TrimRight(d.Endpoint, "/") + "/" + url.PathEscape(string(channelID)) + "?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", string(channelID), err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	if d.PingPeriod > 0 {
		go c.pingLoop(d.PingPeriod)
	}
	log.Info().Str("module", "ws").Str("channel", string(channelID)).Msg("transport connected")
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *wsConn) ReadFrame() (core.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		select {
		case <-c.done:
			// Locally initiated close, not a transport failure.
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	return core.Frame(data), nil
}

func (c *wsConn) WriteFrame(f core.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
