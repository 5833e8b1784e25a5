package live

import "encoding/json"

// State represents the lifecycle state of a session.
type State int

const (
	StateUnknown State = iota
	StateIdle
	StateListening
	StateAnalyzing
	StateStopping
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAnalyzing:
		return "analyzing"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "idle":
		*s = StateIdle
	case "listening":
		*s = StateListening
	case "analyzing":
		*s = StateAnalyzing
	case "stopping":
		*s = StateStopping
	case "stopped":
		*s = StateStopped
	default:
		*s = StateUnknown
	}
	return nil
}

// Active reports whether the session still accepts events and chat.
func (s State) Active() bool {
	switch s {
	case StateIdle, StateListening, StateAnalyzing:
		return true
	default:
		return false
	}
}
