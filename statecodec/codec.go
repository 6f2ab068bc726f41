// Package statecodec implements the canonical state serialization contract:
// deterministic UTF-8 JSON with lexicographically sorted keys, validation of
// the JSON-tree shape, sha256 checksums, and the inline-vs-offload storage
// decision for persisted state payloads.
package statecodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/pithecene-io/delve/types"
)

// ChecksumPrefix is prepended to every hex sha256 state checksum.
const ChecksumPrefix = "sha256:"

// Encoded is the result of canonicalizing a state payload.
type Encoded struct {
	// Canonical is the canonical JSON byte encoding.
	Canonical []byte
	// Checksum is "sha256:" + hex sha256 of Canonical.
	Checksum string
	// Bytes is len(Canonical).
	Bytes int
	// Chars is the character (rune) count of Canonical.
	Chars int
}

// Encode validates and canonicalizes a state payload.
//
// The payload must be nil, a string, or a JSON object tree built from
// nil | bool | int | int64 | float64 | string | []any | map[string]any.
// Fails with StateInvalidType on anything else, on non-finite numbers,
// or on a non-(object|string|nil) top level.
func Encode(state any) (*Encoded, error) {
	if err := Validate(state); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, state); err != nil {
		return nil, err
	}

	canonical := buf.Bytes()
	sum := sha256.Sum256(canonical)
	return &Encoded{
		Canonical: canonical,
		Checksum:  ChecksumPrefix + hex.EncodeToString(sum[:]),
		Bytes:     len(canonical),
		Chars:     utf8.RuneCount(canonical),
	}, nil
}

// Decode parses canonical (or any) JSON bytes back into a state payload tree.
func Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, types.E(types.KindStateInvalidType, "state decode: %v", err)
	}
	return v, nil
}

// Checksum computes "sha256:" + hex sha256 of the given bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// Validate checks the payload shape without serializing it.
// The top level must be nil, a string, or an object; nested values must be
// valid JSON-tree values with string keys and finite numbers.
func Validate(state any) error {
	switch state.(type) {
	case nil, string, map[string]any:
	default:
		return types.E(types.KindStateInvalidType,
			"state top level must be an object, string, or null, got %T", state)
	}
	return validateValue(state, "$")
}

// validateValue recursively checks one value; path names the failing node.
func validateValue(v any, path string) error {
	switch x := v.(type) {
	case nil, bool, string:
		return nil
	case int, int64:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return types.E(types.KindStateInvalidType, "non-finite number at %s", path)
		}
		return nil
	case []any:
		for i, item := range x {
			if err := validateValue(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range x {
			if err := validateValue(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	default:
		return types.E(types.KindStateInvalidType, "unsupported value type %T at %s", v, path)
	}
}

// writeCanonical serializes a validated value: sorted keys at every level,
// no insignificant whitespace, strings and numbers via encoding/json.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string, int, int64, float64:
		b, err := json.Marshal(x)
		if err != nil {
			return types.E(types.KindStateInvalidType, "canonical encode: %v", err)
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return types.E(types.KindStateInvalidType, "canonical encode key: %v", err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return types.E(types.KindStateInvalidType, "unsupported value type %T", v)
	}
	return nil
}
