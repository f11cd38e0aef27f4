package session

// State is a guild session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateMoving
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateMoving:
		return "moving"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Origin records what created a session.
type Origin string

const (
	OriginCommand  Origin = "command"
	OriginAutoJoin Origin = "auto_join"
)
