package xenvelope

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Codec converts domain messages to transport envelopes and back.
//
// A Codec holds only immutable collaborators and atomic counters; Encode and
// Decode are safe for concurrent use. Build one with NewCodecBuilder.
type Codec struct {
	cfg        Config
	serializer Serializer
	compressor Compressor
	store      LargeBodyStore
	clock      Clock
	registry   *PayloadRegistry
	observers  []Observer
	stats      codecStats
}

type codecStats struct {
	encoded       atomic.Uint64
	externalized  atomic.Uint64
	decoded       atomic.Uint64
	rejected      atomic.Uint64
	malformed     atomic.Uint64
	blobMisses    atomic.Uint64
	inlineBytes   atomic.Uint64
	externalBytes atomic.Uint64
}

// Config returns the size thresholds in effect.
func (c *Codec) Config() Config { return c.cfg }

// Serializer returns the configured serializer (Strategy).
func (c *Codec) Serializer() Serializer { return c.serializer }

// Compressor returns the configured compressor (Strategy).
func (c *Codec) Compressor() Compressor { return c.compressor }

// Registry returns the payload registry.
func (c *Codec) Registry() *PayloadRegistry { return c.registry }

// Encode turns m into an envelope carrying dc's correlation and causation.
// dc must carry a correlation id; start one with NewDispatchContext.
//
// Wire payloads above MaxLargeMessageSize are rejected with *ErrPayloadTooLarge.
// Payloads above MaxSmallMessageSize are written to the large-body store and
// referenced from the LargeBodyBlobIdentifier property. The store write is
// the only side effect.
func (c *Codec) Encode(ctx context.Context, dc DispatchContext, m *Message) (*Envelope, error) {
	start := c.clock.Now()
	if err := m.validate(); err != nil {
		c.stats.rejected.Add(1)
		c.notify(Event{Type: Error, MessageID: messageID(m), Err: err})
		return nil, err
	}
	msgID := m.ID.String()
	if dc.CorrelationID == uuid.Nil {
		c.stats.rejected.Add(1)
		err := NewErrInvalidMessage("dispatch context has no correlation id")
		c.notify(Event{Type: Error, MessageID: msgID, Err: err})
		return nil, err
	}

	w, err := toWire(m)
	if err != nil {
		c.stats.rejected.Add(1)
		c.notify(Event{Type: Error, MessageID: msgID, Err: err})
		return nil, err
	}
	raw, err := c.serializer.Marshal(w)
	if err != nil {
		err = fmt.Errorf("xenvelope: serialize message %s: %w", msgID, err)
		c.notify(Event{Type: Error, MessageID: msgID, Err: err})
		return nil, err
	}
	if limit := c.cfg.decodedLimit(); len(raw) > limit {
		// Consumers would refuse to inflate it.
		c.stats.rejected.Add(1)
		err := NewErrPayloadTooLarge(len(raw), limit)
		c.notify(Event{Type: Error, MessageID: msgID, Size: len(raw), Err: err})
		return nil, err
	}
	wire, err := c.compressor.Compress(raw)
	if err != nil {
		err = fmt.Errorf("xenvelope: compress message %s: %w", msgID, err)
		c.notify(Event{Type: Error, MessageID: msgID, Err: err})
		return nil, err
	}

	size := len(wire)
	if size > c.cfg.MaxLargeMessageSize {
		c.stats.rejected.Add(1)
		err := NewErrPayloadTooLarge(size, c.cfg.MaxLargeMessageSize)
		c.notify(Event{Type: Error, MessageID: msgID, Size: size, Err: err})
		return nil, err
	}

	env := c.envelopeFor(dc, m, start)

	if size > c.cfg.MaxSmallMessageSize {
		if c.store == nil {
			c.notify(Event{Type: Error, MessageID: msgID, Size: size, Err: ErrNoLargeBodyStore})
			return nil, ErrNoLargeBodyStore
		}
		blobID, err := c.store.Store(ctx, msgID, wire, m.ExpiresAt)
		if err != nil {
			err = storeError("store", err)
			c.notify(Event{Type: Error, MessageID: msgID, Size: size, Err: err})
			return nil, err
		}
		env.setProperty(PropLargeBodyBlobIdentifier, blobID)
		c.stats.externalized.Add(1)
		c.stats.externalBytes.Add(uint64(size))
		c.notify(Event{Type: Externalized, MessageID: msgID, BlobID: blobID, Size: size})
	} else {
		env.Body = wire
		c.stats.inlineBytes.Add(uint64(size))
	}

	c.stats.encoded.Add(1)
	c.notify(Event{Type: EncodeDone, MessageID: msgID, Size: size, Duration: c.clock.Now().Sub(start)})
	return env, nil
}

func (c *Codec) envelopeFor(dc DispatchContext, m *Message, now time.Time) *Envelope {
	scheduled := m.ScheduledEnqueueTime
	if scheduled.IsZero() {
		scheduled = now
	}

	props := make(map[string]any, len(m.Properties)+5)
	for k, v := range m.Properties {
		props[k] = v
	}
	if dc.CausationID.Valid {
		props[PropPrecedingMessageIdentifier] = dc.CausationID.UUID.String()
	}
	if name, ok := c.registry.NameOf(m.Payload); ok {
		props[PropMessageType] = name
	}
	props[PropContentType] = c.serializer.Name()
	props[PropContentEncoding] = c.compressor.Name()

	return &Envelope{
		ID:                   m.ID.String(),
		CorrelationID:        dc.CorrelationID.String(),
		ReplyTo:              m.From,
		TimeToLive:           m.ExpiresAt.Sub(now),
		ScheduledEnqueueTime: scheduled,
		Properties:           props,
	}
}

// Decode reconstructs the domain message carried by env, resolving an
// externalized body through the large-body store first.
//
// Correlation and causation stay on the envelope; use DispatchContextFromEnvelope.
func (c *Codec) Decode(ctx context.Context, env *Envelope) (*Message, error) {
	start := c.clock.Now()
	if env == nil {
		return nil, c.malformed("", NewErrMalformedMessage("envelope is nil", nil))
	}

	var wire []byte
	if blobID, ok := env.BlobID(); ok {
		if c.store == nil {
			c.notify(Event{Type: Error, MessageID: env.ID, BlobID: blobID, Err: ErrNoLargeBodyStore})
			return nil, ErrNoLargeBodyStore
		}
		data, err := c.store.Retrieve(ctx, blobID)
		if err != nil {
			var nf *ErrBlobNotFound
			if errors.As(err, &nf) {
				c.stats.blobMisses.Add(1)
			} else {
				err = storeError("retrieve", err)
			}
			c.notify(Event{Type: Error, MessageID: env.ID, BlobID: blobID, Err: err})
			return nil, err
		}
		wire = data
		c.notify(Event{Type: BlobResolved, MessageID: env.ID, BlobID: blobID, Size: len(wire)})
	} else {
		if len(env.Body) == 0 {
			return nil, c.malformed(env.ID, NewErrMalformedMessage("empty body without blob reference", nil))
		}
		wire = env.Body
	}

	comp, err := c.compressorFor(env.Property(PropContentEncoding))
	if err != nil {
		return nil, c.malformed(env.ID, NewErrMalformedMessage("content encoding", err))
	}
	ser, err := c.serializerFor(env.Property(PropContentType))
	if err != nil {
		return nil, c.malformed(env.ID, NewErrMalformedMessage("content type", err))
	}
	decode, err := c.registry.decoder(env.Property(PropMessageType))
	if err != nil {
		return nil, c.malformed(env.ID, NewErrMalformedMessage("message type", err))
	}

	raw, err := decompress(comp, wire, c.cfg.decodedLimit())
	if err != nil {
		return nil, c.malformed(env.ID, NewErrMalformedMessage("decompress", err))
	}
	m, err := decode(ser, raw)
	if err != nil {
		return nil, c.malformed(env.ID, NewErrMalformedMessage("deserialize", err))
	}

	c.stats.decoded.Add(1)
	c.notify(Event{Type: DecodeDone, MessageID: env.ID, Size: len(wire), Duration: c.clock.Now().Sub(start)})
	return m, nil
}

// Stats returns a snapshot of the codec counters.
func (c *Codec) Stats() CodecStats {
	return CodecStats{
		Encoded:       c.stats.encoded.Load(),
		Externalized:  c.stats.externalized.Load(),
		Decoded:       c.stats.decoded.Load(),
		Rejected:      c.stats.rejected.Load(),
		Malformed:     c.stats.malformed.Load(),
		BlobMisses:    c.stats.blobMisses.Load(),
		InlineBytes:   c.stats.inlineBytes.Load(),
		ExternalBytes: c.stats.externalBytes.Load(),
	}
}

func (c *Codec) compressorFor(name string) (Compressor, error) {
	if name == "" || name == c.compressor.Name() {
		return c.compressor, nil
	}
	return NewCompressor(name)
}

func (c *Codec) serializerFor(name string) (Serializer, error) {
	if name == "" || name == c.serializer.Name() {
		return c.serializer, nil
	}
	return NewSerializer(name)
}

// decompress bounds the output by limit. Compressors without a limited path
// are checked after the fact.
func decompress(comp Compressor, wire []byte, limit int) ([]byte, error) {
	if lc, ok := comp.(LimitedDecompressor); ok {
		return lc.DecompressLimited(wire, limit)
	}
	raw, err := comp.Decompress(wire)
	if err != nil {
		return nil, err
	}
	if len(raw) > limit {
		return nil, NewErrDecodedTooLarge(limit)
	}
	return raw, nil
}

func (c *Codec) malformed(id string, err *ErrMalformedMessage) error {
	c.stats.malformed.Add(1)
	c.notify(Event{Type: Error, MessageID: id, Err: err})
	return err
}

func (c *Codec) notify(e Event) {
	for _, o := range c.observers {
		o.OnEvent(e)
	}
}

func storeError(op string, err error) error {
	var sf *ErrStoreFailed
	if errors.As(err, &sf) {
		return err
	}
	return NewErrStoreFailed(op, err)
}

func messageID(m *Message) string {
	if m == nil || m.ID == uuid.Nil {
		return ""
	}
	return m.ID.String()
}
