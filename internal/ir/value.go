package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Properties is a decoded JSON object as stored in a property sheet.
//
// Numbers are kept as json.Number so that a value read from the store and
// written back is byte-identical (no float64 round trip).
type Properties map[string]any

// DecodeProperties decodes a JSON object into Properties, preserving numbers.
func DecodeProperties(data []byte) (Properties, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Properties{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if raw == nil {
		return Properties{}, nil
	}
	return Properties(raw), nil
}

// Normalize converts arbitrary Go values (typed slices, structs, YAML maps)
// into the JSON value model used by Properties.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, json.Number:
		return val, nil
	case Properties:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("unsupported value %T: %w", v, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func normalizeMap(m map[string]any) (Properties, error) {
	out := make(Properties, len(m))
	for k, elem := range m {
		n, err := Normalize(elem)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// NormalizeProperties is Normalize for a whole property object.
func NormalizeProperties(m map[string]any) (Properties, error) {
	if m == nil {
		return Properties{}, nil
	}
	return normalizeMap(m)
}

// Clone returns a deep copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return cloneValue(p).(Properties)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Properties:
		out := make(Properties, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case map[string]any:
		out := make(Properties, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return val
	}
}

// String returns the string value of field key, or "".
func (p Properties) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Strings returns the string values of a field that holds either a single
// string or a list of strings. Non-string elements are skipped.
func (p Properties) Strings(key string) []string {
	return AsStrings(p[key])
}

// AsStrings flattens a string or list-of-strings value.
func AsStrings(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, elem := range val {
			if s, ok := elem.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for astral characters.
func (p Properties) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON writes canonical JSON so that stored sheets and documents are
// byte-stable regardless of map iteration order.
func (p Properties) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return MarshalCanonical(p)
}

// UnmarshalJSON preserves numbers as json.Number.
func (p *Properties) UnmarshalJSON(data []byte) error {
	props, err := DecodeProperties(data)
	if err != nil {
		return err
	}
	*p = props
	return nil
}
