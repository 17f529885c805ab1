package connection

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var AllStates = []State{Disconnected, Connecting, Connected, Reconnecting}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	return names
}
