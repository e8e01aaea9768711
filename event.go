package xenvelope

import (
	"time"
)

// EventType enumerates codec and client lifecycle events for Observer pattern.
type EventType string

const (
	EncodeDone   EventType = "encode_done"
	Externalized EventType = "externalized"
	DecodeDone   EventType = "decode_done"
	BlobResolved EventType = "blob_resolved"
	SendDone     EventType = "send_done"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	BlobID    string
	// Size is the wire payload size in bytes, when known.
	Size     int
	Duration time.Duration
	Err      error

	// Internal: attached for async dispatch
	observers []Observer
}
