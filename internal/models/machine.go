package models

import "time"

// MachineState is the run/idle state of the controlled machine.
// Shared between the controller, the HTTP layer and the event publisher.
type MachineState uint8

const (
	StateIdle MachineState = iota
	StateRunning
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Connectivity is the coarse health of the link to the machine.
type Connectivity uint8

const (
	Disconnected Connectivity = iota
	Connected
)

func (c Connectivity) String() string {
	if c == Connected {
		return "Connected"
	}
	return "Disconnected"
}

// Settings are the machine-level settings applied through /machine-config.
type Settings struct {
	BaudRate int `json:"baudrate"`
}

// MachineEvent is published after every successful state-changing request.
type MachineEvent struct {
	Event    string    `json:"event"`
	Instance string    `json:"instance"`
	State    string    `json:"state,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Count    int       `json:"count,omitempty"`
	BaudRate int       `json:"baud_rate,omitempty"`
	Time     time.Time `json:"time"`
}

const (
	EventStarted    = "machine.started"
	EventStopped    = "machine.stopped"
	EventCleared    = "machine.cleared"
	EventCommands   = "machine.commands"
	EventConfigured = "machine.configured"
)
