package domain

// ChannelID identifies one logical conversation multiplexed over its own
// signaling transport.
type ChannelID string

// ConnState is the lifecycle of a channel's transport connection.
type ConnState int8

const (
	Connecting ConnState = iota
	Open
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}
