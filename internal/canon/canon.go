// Package canon provides deterministic JSON serialization and hashing. Every
// hash in LMV — envelope AAD, journal entry_hash, hash-chain verification —
// is computed over the byte form this package emits, never over a
// re-marshalled Go value. Any divergence here silently breaks the chain.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON returns the canonical JSON encoding of v: object keys sorted by
// codepoint, compact separators, array order preserved, numbers passed
// through without float round-tripping. v may be any JSON-marshalable Go
// value or a json.RawMessage.
func JSON(v any) ([]byte, error) {
	raw, err := toRawMessage(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	node, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, node); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// MustJSON is JSON but panics on error. Reserved for call sites where the
// input is a value this package itself constructed and cannot fail to
// marshal (e.g. a struct with only exported JSON-safe fields).
func MustJSON(v any) []byte {
	b, err := JSON(v)
	if err != nil {
		panic(fmt.Sprintf("canon: MustJSON: %v", err))
	}
	return b
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func toRawMessage(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if b, ok := v.([]byte); ok {
		return json.RawMessage(b), nil
	}
	return json.Marshal(v)
}

// decode parses raw into plain maps and slices (input key order is not kept;
// encode sorts keys) with numbers as json.Number so re-encoding never loses
// precision or reformats.
func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
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
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unsupported decoded type %T", v)
	}
}
