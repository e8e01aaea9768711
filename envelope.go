package xenvelope

import (
	"time"
)

// Reserved envelope property keys. Domain message properties must never use them.
const (
	PropLargeBodyBlobIdentifier    = "LargeBodyBlobIdentifier"
	PropPrecedingMessageIdentifier = "PrecedingMessageIdentifier"
	PropMessageType                = "MessageType"
	PropContentType                = "ContentType"
	PropContentEncoding            = "ContentEncoding"
)

var reservedProperties = map[string]struct{}{
	PropLargeBodyBlobIdentifier:    {},
	PropPrecedingMessageIdentifier: {},
	PropMessageType:                {},
	PropContentType:                {},
	PropContentEncoding:            {},
}

// IsReservedProperty reports whether key belongs to the codec's namespace.
func IsReservedProperty(key string) bool {
	_, ok := reservedProperties[key]
	return ok
}

// Envelope is the wire-level carrier handed to a transport.
type Envelope struct {
	ID                   string
	CorrelationID        string
	ReplyTo              string
	TimeToLive           time.Duration
	ScheduledEnqueueTime time.Time
	// Properties is the union of domain properties and reserved codec keys.
	Properties map[string]any
	// Body is the inline wire payload; nil when the body was externalized.
	Body []byte
}

// Property returns the named property as a string, or "" if absent.
func (e *Envelope) Property(key string) string {
	v, ok := e.Properties[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	s, _ := FormatScalar(v)
	return s
}

// HasProperty reports whether key is present.
func (e *Envelope) HasProperty(key string) bool {
	_, ok := e.Properties[key]
	return ok
}

// BlobID returns the externalized body reference, if any.
func (e *Envelope) BlobID() (string, bool) {
	id := e.Property(PropLargeBodyBlobIdentifier)
	return id, id != ""
}

// IsExternalized reports whether the body lives in the large-body store.
func (e *Envelope) IsExternalized() bool {
	_, ok := e.BlobID()
	return ok
}

func (e *Envelope) setProperty(key string, value any) {
	if e.Properties == nil {
		e.Properties = make(map[string]any, 8)
	}
	e.Properties[key] = value
}
