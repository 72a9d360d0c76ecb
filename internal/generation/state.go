package generation

// State is the phase of a conversation's generation.
type State int

const (
	StateIdle State = iota
	StateAwaitingContext
	StateCalling
	StateStreaming
	StateAccumulating
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingContext:
		return "awaiting_context"
	case StateCalling:
		return "calling"
	case StateStreaming:
		return "streaming"
	case StateAccumulating:
		return "accumulating"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// transitions lists the legal forward moves. Every non-idle state may also
// return to StateIdle on error or cancellation.
var transitions = map[State][]State{
	StateIdle:            {StateAwaitingContext},
	StateAwaitingContext: {StateCalling, StatePersisting},
	StateCalling:         {StateStreaming, StatePersisting},
	StateStreaming:       {StateAccumulating, StatePersisting},
	StateAccumulating:    {StateStreaming, StatePersisting},
	StatePersisting:      {StateIdle},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if to == StateIdle && from != StateIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
