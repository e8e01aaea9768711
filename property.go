package xenvelope

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scalar kinds accepted as message properties.
const (
	kindString   = "string"
	kindBool     = "bool"
	kindInt      = "int"
	kindInt8     = "int8"
	kindInt16    = "int16"
	kindInt32    = "int32"
	kindInt64    = "int64"
	kindUint     = "uint"
	kindUint8    = "uint8"
	kindUint16   = "uint16"
	kindUint32   = "uint32"
	kindUint64   = "uint64"
	kindFloat32  = "float32"
	kindFloat64  = "float64"
	kindTime     = "time"
	kindDuration = "duration"
)

// wireProperty keeps the Go kind next to the value so every serializer
// reproduces the exact scalar type on decode.
type wireProperty struct {
	Kind  string `json:"k" cbor:"k"`
	Value string `json:"v" cbor:"v"`
}

// IsScalar reports whether v can be carried as a property.
func IsScalar(v any) bool {
	_, _, err := scalarKind(v)
	return err == nil
}

// FormatScalar renders v without its kind, for display and header values.
func FormatScalar(v any) (string, error) {
	_, s, err := scalarKind(v)
	return s, err
}

// EncodeProperty renders v as "kind:value" so transports that only carry strings
// can hand the exact scalar back through DecodeProperty.
//
// Times travel as UTC with nanosecond precision; the zone and any monotonic
// reading are dropped, so a decoded time is equal to the original under
// time.Equal. Message.WithProperty stores times in that form already.
func EncodeProperty(v any) (string, error) {
	k, s, err := scalarKind(v)
	if err != nil {
		return "", err
	}
	return k + ":" + s, nil
}

// DecodeProperty parses the output of EncodeProperty.
func DecodeProperty(s string) (any, error) {
	k, v, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("property %q: missing kind", s)
	}
	return parseScalar(k, v)
}

func toWireProperties(props map[string]any) (map[string]wireProperty, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]wireProperty, len(props))
	for key, v := range props {
		k, s, err := scalarKind(v)
		if err != nil {
			return nil, NewErrInvalidProperty(key, v)
		}
		out[key] = wireProperty{Kind: k, Value: s}
	}
	return out, nil
}

func fromWireProperties(props map[string]wireProperty) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for key, p := range props {
		v, err := parseScalar(p.Kind, p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func scalarKind(v any) (string, string, error) {
	switch x := v.(type) {
	case string:
		return kindString, x, nil
	case bool:
		return kindBool, strconv.FormatBool(x), nil
	case int:
		return kindInt, strconv.FormatInt(int64(x), 10), nil
	case int8:
		return kindInt8, strconv.FormatInt(int64(x), 10), nil
	case int16:
		return kindInt16, strconv.FormatInt(int64(x), 10), nil
	case int32:
		return kindInt32, strconv.FormatInt(int64(x), 10), nil
	case int64:
		return kindInt64, strconv.FormatInt(x, 10), nil
	case uint:
		return kindUint, strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return kindUint8, strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return kindUint16, strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return kindUint32, strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return kindUint64, strconv.FormatUint(x, 10), nil
	case float32:
		return kindFloat32, strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return kindFloat64, strconv.FormatFloat(x, 'g', -1, 64), nil
	case time.Time:
		return kindTime, x.UTC().Format(time.RFC3339Nano), nil
	case time.Duration:
		return kindDuration, x.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported property type %T", v)
	}
}

func parseScalar(kind, s string) (any, error) {
	switch kind {
	case kindString:
		return s, nil
	case kindBool:
		return strconv.ParseBool(s)
	case kindInt:
		n, err := strconv.ParseInt(s, 10, strconv.IntSize)
		return int(n), err
	case kindInt8:
		n, err := strconv.ParseInt(s, 10, 8)
		return int8(n), err
	case kindInt16:
		n, err := strconv.ParseInt(s, 10, 16)
		return int16(n), err
	case kindInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	case kindInt64:
		return strconv.ParseInt(s, 10, 64)
	case kindUint:
		n, err := strconv.ParseUint(s, 10, strconv.IntSize)
		return uint(n), err
	case kindUint8:
		n, err := strconv.ParseUint(s, 10, 8)
		return uint8(n), err
	case kindUint16:
		n, err := strconv.ParseUint(s, 10, 16)
		return uint16(n), err
	case kindUint32:
		n, err := strconv.ParseUint(s, 10, 32)
		return uint32(n), err
	case kindUint64:
		return strconv.ParseUint(s, 10, 64)
	case kindFloat32:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case kindFloat64:
		return strconv.ParseFloat(s, 64)
	case kindTime:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case kindDuration:
		return time.ParseDuration(s)
	default:
		return nil, fmt.Errorf("unknown property kind %q", kind)
	}
}
