package call

import (
	"github.com/agora-collab/realtime/internal/channel"
	"github.com/agora-collab/realtime/internal/domain"
	"github.com/agora-collab/realtime/internal/signaling"
)

// Invite is an incoming ring, observed on the manager's global stream so it
// reaches the user no matter which channel is currently in the foreground.
type Invite struct {
	ChannelID   domain.ChannelID
	FromUserID  domain.UserID
	DisplayName string
	AudioOnly   bool
	// Cancelled marks a withdrawn invite (video_call_cancel).
	Cancelled bool
}

// WatchInvites filters call invites and cancellations out of a global event
// stream. The returned channel closes when events closes. Invites from self
// (broadcast echo) are dropped.
func WatchInvites(events <-chan channel.Event, self domain.UserID) <-chan Invite {
	out := make(chan Invite, 8)
	go func() {
		defer close(out)
		for ev := range events {
			msg := ev.Message
			sender := domain.UserID(msg.Sender())
			if sender == self {
				continue
			}
			switch msg.Type {
			case signaling.TypeVideoCallInvite:
				ch := domain.ChannelID(msg.ChannelID)
				if ch == "" {
					ch = ev.ChannelID
				}
				out <- Invite{
					ChannelID:   ch,
					FromUserID:  sender,
					DisplayName: msg.DisplayName,
					AudioOnly:   msg.AudioOnly,
				}
			case signaling.TypeVideoCallCancel:
				out <- Invite{
					ChannelID:  ev.ChannelID,
					FromUserID: sender,
					Cancelled:  true,
				}
			}
		}
	}()
	return out
}
