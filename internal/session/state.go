package session

// State tracks a connection through its lifecycle. Rejected and Closed
// are terminal.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRejected
	StateAuthorized
	StateSyncing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRejected:
		return "rejected"
	case StateAuthorized:
		return "authorized"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
