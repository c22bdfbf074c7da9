package client

// State is the reconnection manager's logical connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// transitions is the legal state graph. Anything outside it is a bug in the
// manager, not a runtime condition.
var transitions = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Disconnected},
	Authenticating: {Connected, Disconnected},
	Connected:      {Disconnected},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
