// Package cbor registers a deterministic CBOR serializer under the name "cbor".
//
// Import it for side effects, then select it with CodecBuilder.WithSerializer(cbor.Name).
// Decoders pick it up from the envelope's ContentType once imported.
package cbor

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/trickstertwo/xenvelope"
)

const Name = "cbor"

func init() {
	s, err := New()
	if err != nil {
		panic(fmt.Errorf("xenvelope/cbor: %w", err))
	}
	if err := xenvelope.RegisterSerializer(Name, func() xenvelope.Serializer { return s }); err != nil {
		panic(fmt.Errorf("xenvelope/cbor: failed to register serializer: %w", err))
	}
}

// Serializer encodes with the canonical profile (sorted map keys, shortest
// integers) so equal messages produce equal bytes. Times keep nanoseconds.
type Serializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ xenvelope.Serializer = Serializer{}

// New returns a canonical CBOR serializer.
func New() (Serializer, error) {
	eo := cbor.CanonicalEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return Serializer{}, err
	}
	// Generic payloads decode to map[string]any, matching the json serializer.
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return Serializer{}, err
	}
	return Serializer{enc: em, dec: dm}, nil
}

func (s Serializer) Marshal(v any) ([]byte, error)      { return s.enc.Marshal(v) }
func (s Serializer) Unmarshal(data []byte, v any) error { return s.dec.Unmarshal(data, v) }
func (s Serializer) Name() string                       { return Name }
