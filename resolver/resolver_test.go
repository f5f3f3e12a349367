package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		ok   bool
	}{
		{"{{fetch.result}}", "fetch", true},
		{"{{ fetch.result }}", "fetch", true},
		{"{{fetch-data.result}}", "fetch-data", true},
		{"{{a.b.result}}", "a.b", true},
		{"fetch.result", "", false},
		{"{{fetch}}", "", false},
		{"prefix {{fetch.result}}", "", false},
		{"{{fetch.result}} suffix", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		name, ok := ParseRef(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		assert.Equal(t, tt.name, name, "input %q", tt.in)
	}
}

func TestParseRewritesNestedMarkers(t *testing.T) {
	t.Parallel()
	raw := map[string]any{
		"prompt": "{{fetch.result}}",
		"options": map[string]any{
			"context": "{{analyze.result}}",
			"depth":   3,
		},
		"inputs": []any{"{{fetch.result}}", "literal", 42},
	}
	rename := map[string]string{"fetch": "id-1", "analyze": "id-2"}

	parsed := Parse(raw, rename)

	assert.Equal(t, ResultRef{TaskID: "id-1"}, parsed["prompt"])
	opts := parsed["options"].(map[string]any)
	assert.Equal(t, ResultRef{TaskID: "id-2"}, opts["context"])
	assert.Equal(t, 3, opts["depth"])
	inputs := parsed["inputs"].([]any)
	assert.Equal(t, ResultRef{TaskID: "id-1"}, inputs[0])
	assert.Equal(t, "literal", inputs[1])
	assert.Equal(t, 42, inputs[2])

	// The input bag is never mutated.
	assert.Equal(t, "{{fetch.result}}", raw["prompt"])
}

func TestParseKeepsUnmappedNames(t *testing.T) {
	t.Parallel()
	parsed := Parse(map[string]any{"p": "{{ghost.result}}"}, map[string]string{})
	assert.Equal(t, ResultRef{TaskID: "ghost"}, parsed["p"])
}

func TestResolveSubstitutesCompletedResults(t *testing.T) {
	t.Parallel()
	r := New(nil)
	params := map[string]any{
		"prompt": ResultRef{TaskID: "t1"},
		"nested": map[string]any{"data": ResultRef{TaskID: "t2"}},
	}
	results := map[string]any{
		"t1": "hello",
		"t2": map[string]any{"rows": 7},
	}

	resolved, complete := r.Resolve("t3", params, results)
	require.True(t, complete)
	assert.Equal(t, "hello", resolved["prompt"])
	assert.Equal(t, map[string]any{"rows": 7}, resolved["nested"].(map[string]any)["data"])

	// Pure transform: the original still carries refs.
	assert.IsType(t, ResultRef{}, params["prompt"])
}

func TestResolveLeavesUnresolvableVerbatim(t *testing.T) {
	t.Parallel()
	r := New(nil)
	params := map[string]any{
		"ready":   ResultRef{TaskID: "t1"},
		"pending": ResultRef{TaskID: "t2"},
	}
	resolved, complete := r.Resolve("t3", params, map[string]any{"t1": "ok"})

	assert.False(t, complete)
	assert.Equal(t, "ok", resolved["ready"])
	assert.Equal(t, "{{t2.result}}", resolved["pending"])
}

func TestResolveNilParams(t *testing.T) {
	t.Parallel()
	r := New(nil)
	resolved, complete := r.Resolve("t1", nil, nil)
	assert.Nil(t, resolved)
	assert.True(t, complete)
}

func TestEncodeInvertsParse(t *testing.T) {
	t.Parallel()
	raw := map[string]any{
		"a": "{{t1.result}}",
		"b": map[string]any{"c": []any{"{{t2.result}}", "plain"}},
		"d": 12.5,
	}
	parsed := Parse(raw, nil)
	assert.Equal(t, raw, Encode(parsed))
}

func TestHasUnresolvedRefs(t *testing.T) {
	t.Parallel()
	assert.True(t, HasUnresolvedRefs(map[string]any{"x": ResultRef{TaskID: "t"}}))
	assert.True(t, HasUnresolvedRefs([]any{1, ResultRef{TaskID: "t"}}))
	assert.False(t, HasUnresolvedRefs(map[string]any{"x": "{{t.result}}"}))
	assert.False(t, HasUnresolvedRefs(nil))
}

// Round-trip property: parsing an encoded tree reproduces it, for arbitrary
// mixes of markers, plain strings and scalars.
func TestEncodeParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9\-]{0,10}`).Draw(t, "name")
		plain := rapid.StringMatching(`[ -~]{0,12}`).Draw(t, "plain")
		n := rapid.IntRange(0, 5).Draw(t, "n")

		tree := map[string]any{
			"ref":   "{{" + name + ".result}}",
			"plain": plain,
			"num":   n,
			"list":  []any{"{{" + name + ".result}}", plain},
		}

		parsed := Parse(tree, nil)
		// The marker content must surface as a typed reference.
		ref, ok := parsed["ref"].(ResultRef)
		if !ok || ref.TaskID != name {
			t.Fatalf("expected ResultRef{%q}, got %#v", name, parsed["ref"])
		}

		encoded := Encode(parsed)
		reparsed := Parse(encoded, nil)
		if rr, ok := reparsed["ref"].(ResultRef); !ok || rr.TaskID != name {
			t.Fatalf("round trip lost reference: %#v", reparsed["ref"])
		}
	})
}
