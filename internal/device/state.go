package device

// State is the lifecycle state of a device connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateMeasuring
	StateReady
	StateCalibrating
	StateError
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateMeasuring:    "measuring",
	StateReady:        "ready",
	StateCalibrating:  "calibrating",
	StateError:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsConnected reports whether the channel is open and usable for
// measurements.
func (s State) IsConnected() bool {
	switch s {
	case StateConnected, StateMeasuring, StateReady, StateCalibrating:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected},
	StateConnected:    {StateMeasuring, StateReady, StateCalibrating},
	StateMeasuring:    {StateConnected, StateReady},
	StateReady:        {StateConnected, StateMeasuring, StateCalibrating},
	StateCalibrating:  {StateConnected, StateReady},
}

// CanTransition reports whether from may move to to. Error is reachable
// from every state and Disconnected is reachable from every state; it is
// the only way out of Error.
func CanTransition(from, to State) bool {
	if to == StateError || to == StateDisconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
