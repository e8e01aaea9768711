package xenvelope

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PayloadRegistry maps payload type names to Go types so that decoded messages
// carry the concrete payload type regardless of the serializer in use.
//
// A registered type travels with its name in the MessageType envelope property.
// Pointer and value forms of the same type share one registration.
type PayloadRegistry struct {
	mu     sync.RWMutex
	byName map[string]payloadType
	byType map[reflect.Type]string
}

type payloadType struct {
	typ    reflect.Type
	decode decodeFunc
}

type decodeFunc func(s Serializer, data []byte) (*Message, error)

// NewPayloadRegistry returns an empty registry.
func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{
		byName: make(map[string]payloadType),
		byType: make(map[reflect.Type]string),
	}
}

// Register records T under name. Names and types may be registered once.
//
//	reg := xenvelope.NewPayloadRegistry()
//	_ = xenvelope.Register[OrderPlaced](reg, "orders.placed")
func Register[T any](r *PayloadRegistry, name string) error {
	if r == nil {
		return errors.New("payload registry must not be nil")
	}
	if name == "" {
		return errors.New("payload name must not be empty")
	}
	t := baseType(reflect.TypeFor[T]())
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("payload %q: interface types cannot be registered", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("payload name %q already registered", name)
	}
	if existing, ok := r.byType[t]; ok {
		return fmt.Errorf("payload type %s already registered as %q", t, existing)
	}
	r.byName[name] = payloadType{typ: t, decode: decodeWire[T]}
	r.byType[t] = name
	return nil
}

// MustRegister is Register that panics on error, for package init.
func MustRegister[T any](r *PayloadRegistry, name string) {
	if err := Register[T](r, name); err != nil {
		panic(fmt.Errorf("xenvelope: %w", err))
	}
}

// NameOf returns the registered name of payload's type.
func (r *PayloadRegistry) NameOf(payload any) (string, bool) {
	if r == nil || payload == nil {
		return "", false
	}
	t := baseType(reflect.TypeOf(payload))
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	return name, ok
}

// TypeOf returns the Go type registered under name.
func (r *PayloadRegistry) TypeOf(name string) (reflect.Type, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	pt, ok := r.byName[name]
	r.mu.RUnlock()
	return pt.typ, ok
}

// Names lists registered names in sorted order.
func (r *PayloadRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// decoder returns the typed decoder for name. An empty name yields the
// generic decoder; an unknown name is an error.
func (r *PayloadRegistry) decoder(name string) (decodeFunc, error) {
	if name == "" {
		return decodeWire[any], nil
	}
	if r != nil {
		r.mu.RLock()
		pt, ok := r.byName[name]
		r.mu.RUnlock()
		if ok {
			return pt.decode, nil
		}
	}
	return nil, fmt.Errorf("payload type %q is not registered", name)
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// wireMessage is the serialized form of a Message.
type wireMessage[T any] struct {
	ID                   string                  `json:"id" cbor:"id"`
	From                 string                  `json:"from,omitempty" cbor:"from,omitempty"`
	ReplyTo              string                  `json:"reply_to,omitempty" cbor:"reply_to,omitempty"`
	ExpiresAt            time.Time               `json:"expires_at" cbor:"expires_at"`
	ScheduledEnqueueTime time.Time               `json:"scheduled_enqueue_time" cbor:"scheduled_enqueue_time"`
	Properties           map[string]wireProperty `json:"properties,omitempty" cbor:"properties,omitempty"`
	Payload              T                       `json:"payload" cbor:"payload"`
}

func toWire(m *Message) (*wireMessage[any], error) {
	props, err := toWireProperties(m.Properties)
	if err != nil {
		return nil, err
	}
	return &wireMessage[any]{
		ID:                   m.ID.String(),
		From:                 m.From,
		ReplyTo:              m.ReplyTo,
		ExpiresAt:            m.ExpiresAt,
		ScheduledEnqueueTime: m.ScheduledEnqueueTime,
		Properties:           props,
		Payload:              m.Payload,
	}, nil
}

func decodeWire[T any](s Serializer, data []byte) (*Message, error) {
	var w wireMessage[T]
	if err := s.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	props, err := fromWireProperties(w.Properties)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:                   id,
		From:                 w.From,
		ReplyTo:              w.ReplyTo,
		ExpiresAt:            w.ExpiresAt,
		ScheduledEnqueueTime: w.ScheduledEnqueueTime,
		Properties:           props,
		Payload:              w.Payload,
	}, nil
}
