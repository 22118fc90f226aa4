package conn

// State is the connection lifecycle position of one handle.
//
//	Connecting -> Authenticating -> Synced <-> Reconnecting -> Closed
//
// Closed is terminal and only reached through an explicit Close.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSynced
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSynced:
		return "synced"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
