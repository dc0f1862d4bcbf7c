package subscription

// State is the connection state of the live feed.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Coarse maps the internal state onto the user-visible status. Raw
// detail never surfaces.
func (s State) Coarse() string {
	switch s {
	case Connected, Degraded:
		return "connected"
	case Connecting, Reconnecting:
		return "connecting"
	default:
		return "offline"
	}
}
