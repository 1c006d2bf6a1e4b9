package domain

// CallState is the per-session call lifecycle. Ended is terminal; a session
// that never acquired local media never leaves Idle.
type CallState int8

const (
	CallIdle CallState = iota
	CallAcquiring
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallAcquiring:
		return "acquiring"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}
