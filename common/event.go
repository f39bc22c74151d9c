package common

import "time"

// EventType - тип события устройства, публикуемого наружу.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventCaptureSaved EventType = "capture_saved"
)

// Event - событие устройства.
type Event struct {
	Type   EventType `json:"type"`
	Device string    `json:"device"`
	ID     string    `json:"id,omitempty"`
	Path   string    `json:"path,omitempty"`
	Lines  int       `json:"lines,omitempty"`
	Time   time.Time `json:"time"`
}
