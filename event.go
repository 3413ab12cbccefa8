package xenvelope

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	SendStart    EventType = "send_start"
	SendDone     EventType = "send_done"
	ReceiveStart EventType = "receive_start"
	ReceiveDone  EventType = "receive_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Rejected     EventType = "rejected"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Address   string
	Group     string
	MessageID string
	Sender    string
	Schema    string
	Session   string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

func envelopeEvent(t EventType, env *Envelope) Event {
	e := Event{Type: t}
	if env != nil {
		e.Address = env.Target
		e.Sender = env.Sender
		e.Schema = env.SchemaDigest
		e.Session = env.Session.String()
	}
	return e
}
