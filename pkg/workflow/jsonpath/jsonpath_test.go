package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "simple member", path: "$.state.seed"},
		{name: "nested member", path: "$.state.phase1.meta.count"},
		{name: "array index", path: "$.state.results[2]"},
		{name: "wildcard bracket", path: "$.state.items[*].value"},
		{name: "wildcard dot", path: "$.state.items.*"},
		{name: "terminal recursive descent", path: "$.state..score"},
		{name: "branch scope", path: "$._branch.value"},
		{name: "hyphenated field", path: "$.state.phase-1"},
		{name: "missing root", path: "state.seed", wantErr: true},
		{name: "bare dollar", path: "$", wantErr: true},
		{name: "recursive mid-path", path: "$.state..a.b", wantErr: true},
		{name: "negative index", path: "$.state.items[-1]", wantErr: true},
		{name: "unterminated index", path: "$.state.items[2", wantErr: true},
		{name: "empty field", path: "$.state.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}

func TestRead(t *testing.T) {
	doc := map[string]any{
		"input": map[string]any{"topic": "go"},
		"state": map[string]any{
			"seed": "ALPHA",
			"phase1": map[string]any{
				"results": []any{"a", "b", "c"},
				"meta":    map[string]any{"count": float64(3)},
			},
			"branches": []any{
				map[string]any{"score": float64(1)},
				map[string]any{"score": float64(2)},
			},
		},
	}

	t.Run("member access", func(t *testing.T) {
		v, ok := MustParse("$.state.seed").Read(doc)
		require.True(t, ok)
		assert.Equal(t, "ALPHA", v)
	})

	t.Run("nested member", func(t *testing.T) {
		v, ok := MustParse("$.state.phase1.meta.count").Read(doc)
		require.True(t, ok)
		assert.Equal(t, float64(3), v)
	})

	t.Run("array index", func(t *testing.T) {
		v, ok := MustParse("$.state.phase1.results[1]").Read(doc)
		require.True(t, ok)
		assert.Equal(t, "b", v)
	})

	t.Run("wildcard over array", func(t *testing.T) {
		v, ok := MustParse("$.state.branches[*].score").Read(doc)
		require.True(t, ok)
		assert.Equal(t, []any{float64(1), float64(2)}, v)
	})

	t.Run("recursive descent collects all occurrences", func(t *testing.T) {
		v, ok := MustParse("$.state..score").Read(doc)
		require.True(t, ok)
		assert.Equal(t, []any{float64(1), float64(2)}, v)
	})

	t.Run("missing intermediate yields no value", func(t *testing.T) {
		_, ok := MustParse("$.state.nope.deeper").Read(doc)
		assert.False(t, ok)
	})

	t.Run("index out of range yields no value", func(t *testing.T) {
		_, ok := MustParse("$.state.phase1.results[9]").Read(doc)
		assert.False(t, ok)
	})

	t.Run("wildcard over missing yields empty slice", func(t *testing.T) {
		v, ok := MustParse("$.state.nothing[*].x").Read(doc)
		require.True(t, ok)
		assert.Equal(t, []any{}, v)
	})
}

func TestWrite(t *testing.T) {
	t.Run("creates intermediate objects", func(t *testing.T) {
		doc := map[string]any{}
		require.NoError(t, MustParse("$.state.phase1.meta.count").Write(doc, 3))
		v, ok := MustParse("$.state.phase1.meta.count").Read(doc)
		require.True(t, ok)
		assert.Equal(t, 3, v)
	})

	t.Run("creates and grows arrays", func(t *testing.T) {
		doc := map[string]any{}
		require.NoError(t, MustParse("$.state.results[2]").Write(doc, "c"))
		arr, ok := MustParse("$.state.results").Read(doc)
		require.True(t, ok)
		assert.Equal(t, []any{nil, nil, "c"}, arr)
	})

	t.Run("overwrites existing value", func(t *testing.T) {
		doc := map[string]any{"state": map[string]any{"seed": "OLD"}}
		require.NoError(t, MustParse("$.state.seed").Write(doc, "NEW"))
		v, _ := MustParse("$.state.seed").Read(doc)
		assert.Equal(t, "NEW", v)
	})

	t.Run("refuses wildcard target", func(t *testing.T) {
		doc := map[string]any{}
		err := MustParse("$.state.items[*]").Write(doc, 1)
		assert.Error(t, err)
	})

	t.Run("refuses recursive target", func(t *testing.T) {
		doc := map[string]any{}
		err := MustParse("$.state..score").Write(doc, 1)
		assert.Error(t, err)
	})

	t.Run("type conflict on descent", func(t *testing.T) {
		doc := map[string]any{"state": map[string]any{"seed": "scalar"}}
		err := MustParse("$.state.seed.deeper").Write(doc, 1)
		assert.Error(t, err)
	})
}

func TestRoot(t *testing.T) {
	assert.Equal(t, "state", MustParse("$.state.x").Root())
	assert.Equal(t, "_branch", MustParse("$._branch.value").Root())
	assert.Equal(t, "input", MustParse("$.input").Root())
}
