package xenvelope

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultCodec   *Codec
	defaultCodecMu sync.Mutex
)

// Default returns the process-wide Codec, built from NewCodecBuilder defaults
// on first use. The default codec has no large-body store.
func Default() *Codec {
	defaultCodecMu.Lock()
	defer defaultCodecMu.Unlock()

	if defaultCodec != nil {
		return defaultCodec
	}
	c, err := NewCodecBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xenvelope: failed to initialize default codec: %v", err))
	}
	defaultCodec = c
	return defaultCodec
}

// SetDefault replaces the process-wide default Codec.
func SetDefault(c *Codec) {
	if c == nil {
		panic("xenvelope: SetDefault called with nil Codec")
	}
	defaultCodecMu.Lock()
	defaultCodec = c
	defaultCodecMu.Unlock()
}

// Encode is the Facade using the default codec.
func Encode(ctx context.Context, dc DispatchContext, m *Message) (*Envelope, error) {
	return Default().Encode(ctx, dc, m)
}

// Decode is the Facade using the default codec.
func Decode(ctx context.Context, env *Envelope) (*Message, error) {
	return Default().Decode(ctx, env)
}
