// Package canonical implements the deterministic JSON encoding used for
// content addressing. Two payloads that are semantically equal MUST encode to
// identical bytes: object keys are sorted lexicographically, no whitespace is
// emitted between tokens, numbers are re-encoded in minimal decimal form and
// HTML characters are not escaped. The encoding is the ONLY input to CID
// computation, so any change here is a compatibility break with every
// previously anchored asset.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned for values that cannot be represented as
// canonical JSON (channels, funcs, cyclic structures surfaced by the stdlib).
var ErrUnsupportedType = errors.New("canonical: unsupported type")

// Marshal renders v as canonical JSON: sorted keys, minimal separators,
// shortest number form, UTF-8, no trailing newline.
func Marshal(v interface{}) ([]byte, error) {
	return Append(make([]byte, 0, 256), v)
}

// Append appends the canonical encoding of v to dst and returns the extended
// slice.
func Append(dst []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, "null"...), nil
	case bool:
		if x {
			return append(dst, "true"...), nil
		}
		return append(dst, "false"...), nil
	case string:
		return appendString(dst, x), nil
	case json.Number:
		return appendNumber(dst, x)
	case float64:
		return appendFloat(dst, x)
	case float32:
		return appendFloat(dst, float64(x))
	case int:
		return strconv.AppendInt(dst, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(dst, x, 10), nil
	case uint64:
		return strconv.AppendUint(dst, x, 10), nil
	case map[string]interface{}:
		return appendObject(dst, x)
	case []interface{}:
		var err error
		dst = append(dst, '[')
		for i, el := range x {
			if i > 0 {
				dst = append(dst, ',')
			}
			if dst, err = Append(dst, el); err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		// Anything else (structs, typed maps, typed slices) is normalised
		// through the stdlib first, then re-encoded canonically.
		norm, err := normalize(v)
		if err != nil {
			return nil, err
		}
		return Append(dst, norm)
	}
}

// MarshalPayload builds the canonical anchoring triple for an asset. The
// owner address participates in the hash, so it is normalised to its
// lowercase canonical form first.
func MarshalPayload(assetID, ownerAddress string, critical map[string]interface{}) ([]byte, error) {
	triple := map[string]interface{}{
		"asset_id":          assetID,
		"owner_address":     strings.ToLower(ownerAddress),
		"critical_metadata": critical,
	}
	return Marshal(triple)
}

func appendObject(dst []byte, m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	dst = append(dst, '{')
	for i, k := range keys {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendString(dst, k)
		dst = append(dst, ':')
		if dst, err = Append(dst, m[k]); err != nil {
			return nil, err
		}
	}
	return append(dst, '}'), nil
}

// appendNumber writes a json.Number in its minimal decimal form. Integral
// values keep their exact digits; everything else goes through float64
// shortest-round-trip formatting.
func appendNumber(dst []byte, n json.Number) ([]byte, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		return append(dst, s...), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canonical: bad number %q: %w", s, err)
	}
	return appendFloat(dst, f)
}

// appendFloat mirrors encoding/json float formatting: shortest round-trip
// form, plain decimal notation inside the exponent window [-6, 21).
func appendFloat(dst []byte, f float64) ([]byte, error) {
	if f != f || f > 1.797693134862315708145274237317043567981e308 || f < -1.797693134862315708145274237317043567981e308 {
		return nil, fmt.Errorf("%w: non-finite float", ErrUnsupportedType)
	}
	abs := f
	if abs < 0 {
		abs = -abs
	}
	format := byte('f')
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	out := strconv.AppendFloat(dst, f, format, -1, 64)
	if format == 'e' {
		// Trim the leading zero of two-digit exponents ("e+05" -> "e+5")
		// the way the stdlib does.
		if n := len(out); n >= 4 && out[n-4] == 'e' && out[n-2] == '0' {
			out[n-2] = out[n-1]
			out = out[:n-1]
		}
	}
	return out, nil
}

// appendString escapes s the way encoding/json does with HTML escaping
// disabled: quotes, backslashes and control characters become escapes,
// U+2028/U+2029 are escaped for JS embedding, invalid UTF-8 collapses to the
// replacement rune.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); {
		if b := s[i]; b < utf8.RuneSelf {
			if b >= 0x20 && b != '"' && b != '\\' {
				i++
				continue
			}
			dst = append(dst, s[start:i]...)
			switch b {
			case '"':
				dst = append(dst, '\\', '"')
			case '\\':
				dst = append(dst, '\\', '\\')
			case '\n':
				dst = append(dst, '\\', 'n')
			case '\r':
				dst = append(dst, '\\', 'r')
			case '\t':
				dst = append(dst, '\\', 't')
			default:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0xF])
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, s[start:i]...)
			dst = append(dst, "�"...)
			i += size
			start = i
			continue
		}
		if r == '\u2028' || r == '\u2029' {
			dst = append(dst, s[start:i]...)
			dst = append(dst, '\\', 'u', '2', '0', '2', hexDigits[r&0xF])
			i += size
			start = i
			continue
		}
		i += size
	}
	dst = append(dst, s[start:]...)
	return append(dst, '"')
}

const hexDigits = "0123456789abcdef"

// normalize round-trips v through the stdlib encoder so that structs and
// typed containers take the same path as decoded JSON. Numbers survive as
// json.Number to avoid premature float conversion.
func normalize(v interface{}) (interface{}, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: normalise: %w", err)
	}
	return out, nil
}
