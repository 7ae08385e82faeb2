// Package registry keeps the in-memory set of fleet registrants
// (orchestrators and agents) and publishes changes to subscribers.
package registry

import (
	"strings"
	"time"
)

// Kind distinguishes orchestrators from agents.
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindAgent        Kind = "agent"
)

// Status is the lifecycle status a registrant announces.
// Orchestrators use starting, running, stopping, stopped, failed.
// Agents use starting, idle, busy, stopping, stopped, failed.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

var validStatuses = map[Status]struct{}{
	StatusStarting: {},
	StatusRunning:  {},
	StatusIdle:     {},
	StatusBusy:     {},
	StatusStopping: {},
	StatusStopped:  {},
	StatusFailed:   {},
}

// ParseStatus parses a status case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	_, ok := validStatuses[st]
	return st, ok
}

// ReadyStatus is the status a registrant of the given kind announces once it
// can take work.
func ReadyStatus(kind Kind) Status {
	if kind == KindAgent {
		return StatusIdle
	}
	return StatusRunning
}

// Registrant is a snapshot of one registered process.
type Registrant struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	ParentID      string    `json:"parentId,omitempty"`
	Kind          Kind      `json:"kind"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Status        Status    `json:"status"`
}

// EventType identifies a registry change.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistered  EventType = "unregistered"
	EventStatusChanged EventType = "status-changed"
)

// Event describes a registry change. Registrant is the state after the
// change, or the last known state for EventUnregistered.
type Event struct {
	Type       EventType
	Registrant Registrant
	Previous   Status // set for EventStatusChanged
}
