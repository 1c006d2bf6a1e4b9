package call

import "errors"

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrCallEnded      = errors.New("call ended")
	ErrNoActiveCall   = errors.New("no active call")
)

// User-facing capture failure texts, matching the client UI language.
const (
	msgMediaDenied  = "Zugriff auf Kamera und Mikrofon verweigert"
	msgScreenDenied = "Zugriff auf den Bildschirm verweigert"
)

// Error is one entry on the orchestrator's error stream: a human-readable
// message for the UI plus the underlying cause.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Message
}

func (e Error) Unwrap() error { return e.Err }
