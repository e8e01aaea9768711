package compression_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xenvelope/adapter/compression"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestCompressors_RoundTrip(t *testing.T) {
	input := []byte(strings.Repeat("temperature=21.5;humidity=40;", 200))

	for _, name := range []string{compression.Zstd, compression.S2, compression.Snappy} {
		t.Run(name, func(t *testing.T) {
			c, err := xenvelope.NewCompressor(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			packed, err := c.Compress(input)
			require.NoError(t, err)
			assert.Less(t, len(packed), len(input))

			out, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(input, out))

			_, err = c.Decompress([]byte("definitely not compressed"))
			assert.Error(t, err)
		})
	}
}

func TestCompressors_CrossCodecDecode(t *testing.T) {
	ctx := context.Background()
	clk := fixedClock{now: time.Now()}
	consumer, err := xenvelope.NewCodecBuilder().Build() // gzip by default
	require.NoError(t, err)
	for _, name := range []string{compression.Zstd, compression.S2, compression.Snappy} {
		producer, err := xenvelope.NewCodecBuilder().WithCompressor(name).Build()
		require.NoError(t, err)

		msg := xenvelope.NewMessage(clk, "edge", map[string]any{"codec": name}, time.Minute)
		env, err := producer.Encode(ctx, xenvelope.NewDispatchContext(), msg)
		require.NoError(t, err)
		assert.Equal(t, name, env.Property(xenvelope.PropContentEncoding))

		out, err := consumer.Decode(ctx, env)
		require.NoError(t, err, name)
		assert.Equal(t, name, out.Payload.(map[string]any)["codec"])
	}
}

func TestCompressors_DecodedLimit(t *testing.T) {
	input := bytes.Repeat([]byte{0}, 1<<20)

	for _, name := range []string{compression.Zstd, compression.S2, compression.Snappy} {
		t.Run(name, func(t *testing.T) {
			c, err := xenvelope.NewCompressor(name)
			require.NoError(t, err)
			lc, ok := c.(xenvelope.LimitedDecompressor)
			require.True(t, ok)

			packed, err := c.Compress(input)
			require.NoError(t, err)

			out, err := lc.DecompressLimited(packed, len(input))
			require.NoError(t, err)
			assert.Len(t, out, len(input))

			_, err = lc.DecompressLimited(packed, 64<<10)
			var tooLarge *xenvelope.ErrDecodedTooLarge
			require.ErrorAs(t, err, &tooLarge)
			assert.Equal(t, 64<<10, tooLarge.Limit)
		})
	}
}
