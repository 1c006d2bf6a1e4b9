package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agora-collab/realtime/internal/core"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/signaling"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The dev relay is meant for local use only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Hub *Hub
	// Secret, when set, must match the presented bearer token. The
	// production backend validates JWTs instead.
	Secret string
}

// HandleWS is the per-channel websocket endpoint:
// GET /ws/:channel?token={token}&user_id={id}&name={displayName}
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" || (s.Secret != "" && token != s.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID := domain.UserID(c.Query("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing user_id"})
		return
	}
	name := c.DefaultQuery("name", string(userID))
	channelID := domain.ChannelID(c.Param("channel"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	cl := &client{
		userID:      userID,
		displayName: name,
		conn:        ws,
		send:        make(chan core.Frame, 32),
	}
	s.Hub.Connect(channelID, cl)

	// Notify the rest of the channel, then hand the joiner the statuses.
	s.Hub.SendToChannel(channelID, signaling.Message{
		Type:         signaling.TypeUserJoined,
		UserID:       string(userID),
		DisplayName:  name,
		Status:       s.Hub.Status(userID),
		OnlineUsers:  s.Hub.OnlineUsers(channelID),
		UserStatuses: s.Hub.ChannelStatuses(channelID),
	}, userID)
	if f, err := (signaling.Message{
		Type:         signaling.TypeUserStatuses,
		UserStatuses: s.Hub.ChannelStatuses(channelID),
	}).Encode(); err == nil {
		_ = cl.TrySend(f)
	}

	go s.writePump(cl)
	go s.readPump(channelID, cl)
}

func (s *Server) writePump(c *client) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
			return
		}
	}
}

func (s *Server) readPump(channelID domain.ChannelID, c *client) {
	defer func() {
		s.onLeave(channelID, c)
		c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "relay").Str("user", string(c.userID)).Msg("readPump closing")
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad json")
			continue
		}
		s.route(channelID, c, msg)
	}
}

func (s *Server) route(channelID domain.ChannelID, c *client, msg signaling.Message) {
	uid := c.userID
	switch msg.Type {
	case signaling.TypeMessage:
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:        signaling.TypeNewMessage,
			UserID:      string(uid),
			DisplayName: c.displayName,
			Content:     msg.Content,
			MessageType: orDefault(msg.MessageType, "text"),
			ID:          uuid.NewString(),
		}, "")

	case signaling.TypeTyping, signaling.TypeRead:
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:        msg.Type,
			UserID:      string(uid),
			DisplayName: c.displayName,
		}, uid)

	case signaling.TypeStatusChange:
		s.Hub.SetStatus(uid, orDefault(msg.Status, domain.StatusOnline))

	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		target := domain.UserID(msg.TargetUserID)
		if target == "" {
			return
		}
		fwd := msg
		fwd.UserID = ""
		fwd.TargetUserID = ""
		fwd.FromUserID = string(uid)
		fwd.DisplayName = c.displayName
		s.Hub.SendToUserInChannel(channelID, target, fwd)

	case signaling.TypeVideoCallStart:
		s.Hub.SetStatus(uid, domain.StatusBusy)
		first := s.Hub.JoinCall(channelID, uid)
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:        signaling.TypeVideoCallStart,
			UserID:      string(uid),
			DisplayName: c.displayName,
		}, uid)
		if first {
			label := "Videoanruf"
			if msg.AudioOnly {
				label = "Audioanruf"
			}
			s.systemMessage(channelID, uid, fmt.Sprintf("%s hat einen %s gestartet", c.displayName, label))
		}

	case signaling.TypeVideoCallInvite:
		target := domain.UserID(msg.TargetUserID)
		if target == "" {
			return
		}
		s.Hub.SendToUser(target, signaling.Message{
			Type:        signaling.TypeVideoCallInvite,
			FromUserID:  string(uid),
			DisplayName: c.displayName,
			ChannelID:   string(channelID),
			AudioOnly:   msg.AudioOnly,
		})

	case signaling.TypeVideoCallCancel:
		target := domain.UserID(msg.TargetUserID)
		if target == "" {
			return
		}
		s.Hub.SendToUser(target, signaling.Message{
			Type:       signaling.TypeVideoCallCancel,
			FromUserID: string(uid),
		})

	case signaling.TypeVideoCallEnd:
		s.Hub.SetStatus(uid, domain.StatusOnline)
		dur, ended := s.Hub.LeaveCall(channelID, uid)
		// Unlike the start echo, the end goes to everyone: the sender's
		// client uses it to confirm the teardown.
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:   signaling.TypeVideoCallEnd,
			UserID: string(uid),
		}, "")
		if ended {
			s.systemMessage(channelID, uid, "Anruf beendet – Dauer: "+formatDuration(dur))
		}

	case signaling.TypeScreenShareStart:
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:        signaling.TypeScreenShareStart,
			UserID:      string(uid),
			DisplayName: c.displayName,
		}, "")

	case signaling.TypeScreenShareStop:
		s.Hub.SendToChannel(channelID, signaling.Message{
			Type:   signaling.TypeScreenShareStop,
			UserID: string(uid),
		}, "")

	default:
		log.Warn().Str("module", "relay").Str("type", msg.Type).Msg("unknown signal")
	}
}

// onLeave cleans up call participation and announces the departure.
func (s *Server) onLeave(channelID domain.ChannelID, c *client) {
	if dur, ended := s.Hub.LeaveCall(channelID, c.userID); ended {
		s.systemMessage(channelID, c.userID, "Anruf beendet – Dauer: "+formatDuration(dur))
	}
	s.Hub.Disconnect(channelID, c.userID)
	s.Hub.SendToChannel(channelID, signaling.Message{
		Type:        signaling.TypeUserLeft,
		UserID:      string(c.userID),
		Status:      s.Hub.Status(c.userID),
		OnlineUsers: s.Hub.OnlineUsers(channelID),
	}, "")
}

func (s *Server) systemMessage(channelID domain.ChannelID, uid domain.UserID, text string) {
	s.Hub.SendToChannel(channelID, signaling.Message{
		Type:        signaling.TypeNewMessage,
		UserID:      string(uid),
		Content:     text,
		MessageType: "system",
		ID:          uuid.NewString(),
	}, "")
}

func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs >= 60 {
		return fmt.Sprintf("%d Min. %d Sek.", secs/60, secs%60)
	}
	return fmt.Sprintf("%d Sek.", secs)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
