package xenvelope

import (
	"github.com/google/uuid"
)

// DispatchContext is the causal metadata of the current send or processing operation.
// It is passed explicitly to Encode and Send.
type DispatchContext struct {
	// CorrelationID groups a request and all of its replies.
	CorrelationID uuid.UUID
	// CausationID is the message whose processing produced the outgoing one.
	// Invalid for originating messages.
	CausationID uuid.NullUUID
}

// NewDispatchContext starts a new correlation with no causation.
func NewDispatchContext() DispatchContext {
	return DispatchContext{CorrelationID: uuid.New()}
}

// CausedBy keeps the correlation and records id as the causing message.
func (dc DispatchContext) CausedBy(id uuid.UUID) DispatchContext {
	dc.CausationID = uuid.NullUUID{UUID: id, Valid: true}
	return dc
}

// IsOriginating reports whether no message caused this one.
func (dc DispatchContext) IsOriginating() bool {
	return !dc.CausationID.Valid
}

// DispatchContextFromEnvelope derives the context for messages produced while
// processing env: same correlation, caused by env.
// Identifiers that do not parse as UUIDs are left unset.
func DispatchContextFromEnvelope(env *Envelope) DispatchContext {
	var dc DispatchContext
	if env == nil {
		return dc
	}
	if id, err := uuid.Parse(env.CorrelationID); err == nil {
		dc.CorrelationID = id
	}
	if id, err := uuid.Parse(env.ID); err == nil {
		dc.CausationID = uuid.NullUUID{UUID: id, Valid: true}
	}
	return dc
}
