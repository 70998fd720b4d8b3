// Package canonjson renders values as canonical JSON: object keys sorted
// lexicographically at every depth, UTF-8, no insignificant whitespace,
// numbers without trailing zeros, array order preserved. Fingerprints over
// canonical bytes are stable across processes and releases, which is what
// makes envelope replay possible.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Marshal renders v as canonical JSON bytes.
//
// v is first marshaled with encoding/json (honoring struct tags), then
// re-rendered canonically. Numbers pass through as their original literals
// minus trailing fractional zeros, so no float round-tripping occurs.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-renders a JSON document in canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(normalizeNumber(string(x)))
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("canonjson: string: %w", err)
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, el); err != nil {
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
				return fmt.Errorf("canonjson: key: %w", err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unexpected value type %T", v)
	}
	return nil
}

// normalizeNumber strips a redundant fractional part from a JSON number
// literal: "3.1400" → "3.14", "5.0" → "5", "-0.500" → "-0.5". Exponent forms
// and integers pass through unchanged.
func normalizeNumber(lit string) string {
	if strings.ContainsAny(lit, "eE") || !strings.Contains(lit, ".") {
		return lit
	}
	lit = strings.TrimRight(lit, "0")
	lit = strings.TrimSuffix(lit, ".")
	if lit == "" || lit == "-" {
		return "0"
	}
	return lit
}

// Fingerprint returns "sha256:<hex>" over b.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FingerprintValue canonicalizes v and fingerprints the result.
func FingerprintValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Fingerprint(b), nil
}
