package xenvelope

import (
	"encoding/json"
	"errors"
	"sync"
)

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONSerializer) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONSerializer) Name() string                    { return "json" }

// SerializerFactory constructs serializers via Factory pattern.
type SerializerFactory func() Serializer

var (
	serializerRegistryMu sync.RWMutex
	serializerRegistry   = map[string]SerializerFactory{
		"json": func() Serializer { return JSONSerializer{} },
	}
)

// RegisterSerializer registers a serializer factory by name.
func RegisterSerializer(name string, factory SerializerFactory) error {
	if name == "" {
		return errors.New("serializer name must not be empty")
	}
	if factory == nil {
		return errors.New("serializer factory must not be nil")
	}
	serializerRegistryMu.Lock()
	serializerRegistry[name] = factory
	serializerRegistryMu.Unlock()
	return nil
}

// NewSerializer constructs a serializer by name or returns an error.
func NewSerializer(name string) (Serializer, error) {
	serializerRegistryMu.RLock()
	f, ok := serializerRegistry[name]
	serializerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownSerializer{Name: name}
	}
	return f(), nil
}
