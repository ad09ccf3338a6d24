package bridge

// State is the connection supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePendingPairing
	StateOpen
	StateClosing
	StateReconnecting
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePendingPairing:
		return "pending_pairing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}
