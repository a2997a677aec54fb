// Package hashcodec normalizes the content-hash shapes that arrive from chain
// sources and derives content identifiers (CIDs) from already-computed
// SHA-256 digests.
package hashcodec

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrEmptyHash        = errors.New("hashcodec: empty hash")
	ErrOddLength        = errors.New("hashcodec: odd-length hex string")
	ErrNotHex           = errors.New("hashcodec: invalid hex string")
	ErrByteRange        = errors.New("hashcodec: byte element out of range")
	ErrUnsupportedShape = errors.New("hashcodec: unsupported hash shape")
)

// HexTagged is the decoded form of a tagged hash object, {"hex": "..."}.
type HexTagged struct {
	Hex string `json:"hex"`
}

// Normalize accepts the hash shapes chain sources are known to produce:
// a hex string (any case, optional 0x prefix), a byte slice, a JSON-decoded
// numeric array, or a tagged object carrying a "hex" field. It always yields
// canonical lowercase hex with no prefix. Every other shape is rejected with
// a dedicated error.
func Normalize(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return normalizeHex(t)
	case []byte:
		if len(t) == 0 {
			return "", ErrEmptyHash
		}
		return hex.EncodeToString(t), nil
	case []any:
		return normalizeByteArray(t)
	case map[string]any:
		raw, ok := t["hex"]
		if !ok {
			return "", fmt.Errorf("%w: object missing hex field", ErrUnsupportedShape)
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: hex field is %T, want string", ErrUnsupportedShape, raw)
		}
		return normalizeHex(s)
	case HexTagged:
		return normalizeHex(t.Hex)
	case nil:
		return "", ErrEmptyHash
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedShape, v)
	}
}

func normalizeHex(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return "", ErrEmptyHash
	}
	if len(s)%2 != 0 {
		return "", ErrOddLength
	}
	s = strings.ToLower(s)
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrNotHex
	}
	return s, nil
}

func normalizeByteArray(arr []any) (string, error) {
	if len(arr) == 0 {
		return "", ErrEmptyHash
	}
	buf := make([]byte, len(arr))
	for i, elem := range arr {
		b, err := toByte(elem)
		if err != nil {
			return "", err
		}
		buf[i] = b
	}
	return hex.EncodeToString(buf), nil
}

func toByte(v any) (byte, error) {
	switch n := v.(type) {
	case float64:
		// JSON numbers decode as float64; reject fractional values.
		if n < 0 || n > 255 || n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v", ErrByteRange, n)
		}
		return byte(n), nil
	case int:
		if n < 0 || n > 255 {
			return 0, fmt.Errorf("%w: %d", ErrByteRange, n)
		}
		return byte(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 || i > 255 {
			return 0, fmt.Errorf("%w: %s", ErrByteRange, n.String())
		}
		return byte(i), nil
	default:
		return 0, fmt.Errorf("%w: array element %T", ErrUnsupportedShape, v)
	}
}
