package xenvelope

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
)

// Config holds the codec size thresholds.
type Config struct {
	// MaxSmallMessageSize is the largest wire payload carried inline in the envelope body.
	MaxSmallMessageSize int
	// MaxLargeMessageSize is the hard cap; larger payloads are rejected outright.
	MaxLargeMessageSize int
	// MaxDecodedSize bounds the decompressed payload on both sides: encode
	// rejects larger payloads, decode stops inflating past it. Zero means
	// DefaultMaxDecodedSize.
	MaxDecodedSize int
}

// DefaultMaxDecodedSize is the decompressed payload cap used when Config.MaxDecodedSize is zero.
const DefaultMaxDecodedSize = int(256 * datasize.MB)

// Defaults returns thresholds that fit common broker limits.
func Defaults() Config {
	return Config{
		MaxSmallMessageSize: int(256 * datasize.KB),
		MaxLargeMessageSize: int(64 * datasize.MB),
		MaxDecodedSize:      DefaultMaxDecodedSize,
	}
}

// Validate checks that the thresholds are usable, reporting every violation.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.MaxSmallMessageSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("config: max_small_message_size must be > 0, got %d", c.MaxSmallMessageSize))
	}
	if c.MaxLargeMessageSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("config: max_large_message_size must be > 0, got %d", c.MaxLargeMessageSize))
	}
	if c.MaxLargeMessageSize <= c.MaxSmallMessageSize {
		result = multierror.Append(result, fmt.Errorf("config: max_large_message_size (%d) must be greater than max_small_message_size (%d)",
			c.MaxLargeMessageSize, c.MaxSmallMessageSize))
	}
	if c.MaxDecodedSize < 0 {
		result = multierror.Append(result, fmt.Errorf("config: max_decoded_size must be >= 0, got %d", c.MaxDecodedSize))
	}
	return result.ErrorOrNil()
}

func (c Config) decodedLimit() int {
	if c.MaxDecodedSize <= 0 {
		return DefaultMaxDecodedSize
	}
	return c.MaxDecodedSize
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// Sizes may be ints or human-readable strings such as "256KB".
func ConfigFromMap(m map[string]any) (Config, error) {
	c := Defaults()
	var err error
	if v, ok := m["max_small_message_size"]; ok {
		if c.MaxSmallMessageSize, err = sizeValue(v); err != nil {
			return c, fmt.Errorf("config: max_small_message_size: %w", err)
		}
	}
	if v, ok := m["max_large_message_size"]; ok {
		if c.MaxLargeMessageSize, err = sizeValue(v); err != nil {
			return c, fmt.Errorf("config: max_large_message_size: %w", err)
		}
	}
	if v, ok := m["max_decoded_size"]; ok {
		if c.MaxDecodedSize, err = sizeValue(v); err != nil {
			return c, fmt.Errorf("config: max_decoded_size: %w", err)
		}
	}
	return c, nil
}

func sizeValue(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case datasize.ByteSize:
		return int(x.Bytes()), nil
	case string:
		b, err := datasize.ParseString(x)
		if err != nil {
			return 0, err
		}
		return int(b.Bytes()), nil
	default:
		return 0, fmt.Errorf("unsupported size type %T", v)
	}
}
