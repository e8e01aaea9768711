package xenvelope

import (
	"errors"
	"fmt"
)

var (
	ErrNoLargeBodyStore            = errors.New("xenvelope: payload requires a large-body store but none is configured")
	ErrClientClosed                = errors.New("xenvelope: client is closed")
	ErrInvalidTopic                = errors.New("xenvelope: topic must not be empty")
	ErrInvalidSubscription         = errors.New("xenvelope: topic, group and handler are required")
	ErrNoTransportConfigured       = errors.New("xenvelope: no transport configured")
	ErrHandlerPanic                = errors.New("xenvelope: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xenvelope: observer pool shutdown timeout")
)

// ErrPayloadTooLarge is returned when the wire payload exceeds the hard maximum.
// It is terminal for the message as constructed.
type ErrPayloadTooLarge struct {
	Size  int
	Limit int
}

// NewErrPayloadTooLarge creates a new ErrPayloadTooLarge error.
func NewErrPayloadTooLarge(size, limit int) *ErrPayloadTooLarge {
	return &ErrPayloadTooLarge{Size: size, Limit: limit}
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("payload too large: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// ErrBlobNotFound is returned when an externalized body is missing or expired.
type ErrBlobNotFound struct {
	BlobID string
}

// NewErrBlobNotFound creates a new ErrBlobNotFound error.
func NewErrBlobNotFound(blobID string) *ErrBlobNotFound {
	return &ErrBlobNotFound{BlobID: blobID}
}

func (e *ErrBlobNotFound) Error() string {
	return fmt.Sprintf("blob not found: %s", e.BlobID)
}

// ErrMalformedMessage is returned when a wire payload cannot be decompressed or deserialized.
type ErrMalformedMessage struct {
	Reason string
	Err    error
}

// NewErrMalformedMessage creates a new ErrMalformedMessage error.
func NewErrMalformedMessage(reason string, err error) *ErrMalformedMessage {
	return &ErrMalformedMessage{Reason: reason, Err: err}
}

func (e *ErrMalformedMessage) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed message: %s", e.Reason)
	}
	return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
}

func (e *ErrMalformedMessage) Unwrap() error { return e.Err }

// ErrReservedProperty is returned when a domain property uses a codec-reserved key.
type ErrReservedProperty struct {
	Key string
}

// NewErrReservedProperty creates a new ErrReservedProperty error.
func NewErrReservedProperty(key string) *ErrReservedProperty {
	return &ErrReservedProperty{Key: key}
}

func (e *ErrReservedProperty) Error() string {
	return fmt.Sprintf("property %q collides with a reserved envelope key", e.Key)
}

// ErrInvalidProperty is returned when a property value is not a supported scalar.
type ErrInvalidProperty struct {
	Key  string
	Type string
}

// NewErrInvalidProperty creates a new ErrInvalidProperty error.
func NewErrInvalidProperty(key string, value any) *ErrInvalidProperty {
	return &ErrInvalidProperty{Key: key, Type: fmt.Sprintf("%T", value)}
}

func (e *ErrInvalidProperty) Error() string {
	return fmt.Sprintf("property %q has unsupported type %s", e.Key, e.Type)
}

// ErrInvalidMessage is returned when a message lacks fields required to encode it.
type ErrInvalidMessage struct {
	Reason string
}

// NewErrInvalidMessage creates a new ErrInvalidMessage error.
func NewErrInvalidMessage(reason string) *ErrInvalidMessage {
	return &ErrInvalidMessage{Reason: reason}
}

func (e *ErrInvalidMessage) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// ErrStoreFailed wraps large-body store failures other than a missing blob.
type ErrStoreFailed struct {
	Op  string
	Err error
}

// NewErrStoreFailed creates a new ErrStoreFailed error.
func NewErrStoreFailed(op string, err error) *ErrStoreFailed {
	return &ErrStoreFailed{Op: op, Err: err}
}

func (e *ErrStoreFailed) Error() string {
	return fmt.Sprintf("large-body store %s failed: %v", e.Op, e.Err)
}

func (e *ErrStoreFailed) Unwrap() error { return e.Err }

// ErrDecodedTooLarge is returned by a decompressor whose output would exceed its limit.
type ErrDecodedTooLarge struct {
	Limit int
}

// NewErrDecodedTooLarge creates a new ErrDecodedTooLarge error.
func NewErrDecodedTooLarge(limit int) *ErrDecodedTooLarge {
	return &ErrDecodedTooLarge{Limit: limit}
}

func (e *ErrDecodedTooLarge) Error() string {
	return fmt.Sprintf("decoded payload exceeds %d bytes", e.Limit)
}

// ErrUnknownSerializer is returned when no serializer is registered under a name.
type ErrUnknownSerializer struct{ Name string }

func (e ErrUnknownSerializer) Error() string { return fmt.Sprintf("unknown serializer: %s", e.Name) }

// ErrUnknownCompressor is returned when no compressor is registered under a name.
type ErrUnknownCompressor struct{ Name string }

func (e ErrUnknownCompressor) Error() string { return fmt.Sprintf("unknown compressor: %s", e.Name) }

var (
	_ error = (*ErrPayloadTooLarge)(nil)
	_ error = (*ErrBlobNotFound)(nil)
	_ error = (*ErrMalformedMessage)(nil)
	_ error = (*ErrReservedProperty)(nil)
	_ error = (*ErrInvalidProperty)(nil)
	_ error = (*ErrInvalidMessage)(nil)
	_ error = (*ErrStoreFailed)(nil)
	_ error = (*ErrDecodedTooLarge)(nil)
)

// ErrUnknownTransport is returned when no transport is registered under a name.
type ErrUnknownTransport struct{ Name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.Name) }

// ErrUnknownStore is returned when no large-body store is registered under a name.
type ErrUnknownStore struct{ Name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("unknown large-body store: %s", e.Name) }
