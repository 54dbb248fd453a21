package settlement

// State is the orchestrator's lifecycle position for one UI context.
type State int

const (
	StateIdle State = iota
	StateSettingUp
	StateActive
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSettingUp:
		return "SETTING_UP"
	case StateActive:
		return "ACTIVE"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
