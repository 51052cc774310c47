package hypervisor

// EventType classifies machine events.
type EventType int

const (
	EventStarted EventType = iota
	EventFailed
	EventStopped
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventFailed:
		return "failed"
	case EventStopped:
		return "stopped"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is reported by a running machine.
type Event struct {
	Type EventType
	// Device is the network device index for Disconnected events, -1 otherwise.
	Device int
	Err    error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventFailed || e.Type == EventStopped
}

// EventBuffer is the capacity of machine event channels.
const EventBuffer = 8
