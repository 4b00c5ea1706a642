package transport

import "time"

// State is the connection state of the push channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Degraded means the push channel is unavailable and polling is active.
	Degraded
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
	}
	return "unknown"
}

// StateChange is passed to state observers.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// Status is a point-in-time view of the manager.
type Status struct {
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	Since             time.Time `json:"since"`
	Polling           bool      `json:"polling"`
	PollTicks         int       `json:"pollTicks"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	RetriesExhausted  bool      `json:"retriesExhausted"`
}
