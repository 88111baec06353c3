// Package platform delivers lifecycle and sync events to the agent. Events
// arrive over a websocket feed from the host platform, or are raised
// locally at start-up and by the control endpoint.
package platform

import "strings"

type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventSync     EventType = "sync"
)

// Event is one feed frame: {"type":"sync","tag":"sync-matches"}.
type Event struct {
	Type EventType `json:"type"`
	Tag  string    `json:"tag,omitempty"`
}

func (e Event) normalized() Event {
	e.Type = EventType(strings.ToLower(strings.TrimSpace(string(e.Type))))
	e.Tag = strings.TrimSpace(e.Tag)
	return e
}

func (e Event) Valid() bool {
	switch e.normalized().Type {
	case EventInstall, EventActivate, EventSync:
		return true
	default:
		return false
	}
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventCallback func(ev Event)

type StateCallback func(state State)
