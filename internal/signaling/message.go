// Package signaling defines the wire protocol spoken over a channel's
// websocket: one flat JSON object per frame, discriminated by "type".
package signaling

import "encoding/json"

// Message kinds. Point-to-point kinds carry target_user_id on the way out and
// from_user_id on the way in; broadcast kinds carry user_id.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	TypeVideoCallStart  = "video_call_start"
	TypeVideoCallEnd    = "video_call_end"
	TypeVideoCallInvite = "video_call_invite"
	TypeVideoCallCancel = "video_call_cancel"

	TypeScreenShareStart = "screen_share_start"
	TypeScreenShareStop  = "screen_share_stop"

	TypeStatusChange = "status_change"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeUserStatuses = "user_statuses"

	TypeMessage    = "message"
	TypeNewMessage = "new_message"
	TypeTyping     = "typing"
	TypeRead       = "read"

	// TypeError is synthesized locally for in-band transport and protocol
	// failures. It is never transmitted.
	TypeError = "error"
)

// Candidate mirrors the browser's RTCIceCandidateInit shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the signaling envelope. Fields are a union across kinds; every
// kind only populates its own subset and omits the rest on the wire.
type Message struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	FromUserID   string            `json:"from_user_id,omitempty"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	SDP          string            `json:"sdp,omitempty"`
	Candidate    *Candidate        `json:"candidate,omitempty"`
	Status       string            `json:"status,omitempty"`
	Message      string            `json:"message,omitempty"`
	Content      string            `json:"content,omitempty"`
	MessageType  string            `json:"message_type,omitempty"`
	ChannelID    string            `json:"channel_id,omitempty"`
	AudioOnly    bool              `json:"audio_only,omitempty"`
	OnlineUsers  []string          `json:"online_users,omitempty"`
	UserStatuses map[string]string `json:"user_statuses,omitempty"`
}

// Sender returns the originating user id: the relay stamps from_user_id on
// routed point-to-point messages, broadcasts carry user_id.
func (m Message) Sender() string {
	if m.FromUserID != "" {
		return m.FromUserID
	}
	return m.UserID
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Error builds the locally synthesized in-band error message.
func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}
