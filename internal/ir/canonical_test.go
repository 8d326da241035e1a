package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"json number", json.Number("12.50"), "12.50"},
		{"float", 0.25, "0.25"},
		{"bool true", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", Properties{}, "{}"},
		{"string slice", []string{"a", "b"}, `["a","b"]`},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := Properties{
		"z": map[string]any{"b": 1, "a": 2},
		"a": 3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// UTF-16: 0xD800 (surrogate of U+10000) sorts before 0xE000
	obj := Properties{
		"\uE000": 1,
		"\U00010000": 2,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(Properties{"html": "<b>a & b</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>a & b</b>"}`, string(result))
	assert.NotContains(t, string(result), `\u003c`)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"control", "a\x01b", `"a\u0001b"`},
		{"line separator", "a\u2028b", "\"a\u2028b\""},
		{"literal escape text", `is \u2028`, `"is \\u2028"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	composed, err := MarshalCanonical(Properties{"caf\u00e9": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := MarshalCanonical(Properties{"cafe\u0301": "cafe\u0301"})
	require.NoError(t, err)

	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalRejectsInvalidNumber(t *testing.T) {
	_, err := MarshalCanonical(json.Number("12abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestMarshalCanonicalStruct(t *testing.T) {
	link := Link{Source: "s", Rel: "target", Target: "t"}

	result, err := MarshalCanonical(link)
	require.NoError(t, err)
	assert.Equal(t, `{"rel":"target","source":"s","target":"t"}`, string(result))
}

func TestDecodePropertiesPreservesNumbers(t *testing.T) {
	props, err := DecodeProperties([]byte(`{"weight": 12.50, "count": 3, "nested": {"x": 1e3}}`))
	require.NoError(t, err)

	result, err := MarshalCanonical(props)
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"nested":{"x":1e3},"weight":12.50}`, string(result))
}

func TestDecodePropertiesEmpty(t *testing.T) {
	props, err := DecodeProperties(nil)
	require.NoError(t, err)
	assert.Empty(t, props)

	props, err = DecodeProperties([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, props)
}

func TestPropertiesRoundTripJSON(t *testing.T) {
	in := Properties{"b": json.Number("1.0"), "a": []any{"x", true}}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",true],"b":1.0}`, string(data))

	var out Properties
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestPropertiesCloneIsDeep(t *testing.T) {
	in := Properties{"list": []any{"a"}, "obj": map[string]any{"k": "v"}}
	cp := in.Clone()

	cp["list"].([]any)[0] = "changed"
	cp["obj"].(Properties)["k"] = "changed"

	assert.Equal(t, "a", in["list"].([]any)[0])
	assert.Equal(t, "v", in["obj"].(map[string]any)["k"])
}

func TestAsStrings(t *testing.T) {
	assert.Equal(t, []string{"a"}, AsStrings("a"))
	assert.Nil(t, AsStrings(""))
	assert.Equal(t, []string{"a", "b"}, AsStrings([]any{"a", 3, "b"}))
	assert.Nil(t, AsStrings(12))
}

func TestNormalizeTypedValues(t *testing.T) {
	n, err := Normalize(map[string]any{"ids": []string{"a", "b"}, "n": 2})
	require.NoError(t, err)

	assert.Equal(t, Properties{"ids": []any{"a", "b"}, "n": json.Number("2")}, n)
}

func TestDocumentHashIgnoresIndexingStats(t *testing.T) {
	doc := &IndexDocument{UUID: "a", SID: 3, MaxSID: 5, Properties: Properties{"name": "x"}}
	h1, err := DocumentHash(doc)
	require.NoError(t, err)

	timed := *doc
	timed.IndexingStats = map[string]float64{"build_ms": 12}
	h2, err := DocumentHash(&timed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := *doc
	changed.Properties = Properties{"name": "y"}
	h3, err := DocumentHash(&changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
