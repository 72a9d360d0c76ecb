package client

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateOffline is entered when the reconnect budget is exhausted. Only
	// an explicit Connect or Close leaves it.
	StateOffline State = "offline"
)

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateOffline, StateDisconnected},
	StateOffline:      {StateConnecting, StateDisconnected},
}

// CanTransition reports whether the machine may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
