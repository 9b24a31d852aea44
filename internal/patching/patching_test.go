package patching

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseText(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantOps int
		wantErr bool
	}{
		{
			name:    "wrapper object",
			raw:     `{"patch": [{"op": "replace", "path": "/a", "value": 2}]}`,
			wantOps: 1,
		},
		{
			name:    "bare array",
			raw:     `[{"op": "replace", "path": "/a", "value": 2}]`,
			wantOps: 1,
		},
		{
			name:    "fenced wrapper",
			raw:     "```json\n{\"patch\": [{\"op\": \"remove\", \"path\": \"/a\"}]}\n```",
			wantOps: 1,
		},
		{
			name:    "fenced bare array",
			raw:     "```json\n[{\"op\": \"remove\", \"path\": \"/a\"}]\n```",
			wantOps: 1,
		},
		{
			name:    "surrounding prose",
			raw:     `Here is the patch you asked for: {"patch": [{"op": "add", "path": "/b", "value": 1}]} Hope that helps!`,
			wantOps: 1,
		},
		{
			name:    "empty patch array",
			raw:     `{"patch": []}`,
			wantOps: 0,
		},
		{
			name:    "not json",
			raw:     "not json",
			wantErr: true,
		},
		{
			name:    "object without patch key",
			raw:     `{"operations": []}`,
			wantErr: true,
		},
		{
			name:    "unknown op",
			raw:     `{"patch": [{"op": "merge", "path": "/a"}]}`,
			wantErr: true,
		},
		{
			name:    "remove without path",
			raw:     `{"patch": [{"op": "remove"}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := ParseText(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, patch, tt.wantOps)
		})
	}
}

func TestParseTextPreservesNullValue(t *testing.T) {
	patch, err := ParseText(`{"patch": [{"op": "add", "path": "/a", "value": null}]}`)
	require.NoError(t, err)
	require.Len(t, patch, 1)
	assert.Equal(t, json.RawMessage("null"), patch[0].Value)
}

func TestReorder(t *testing.T) {
	patch := Patch{
		{Op: "remove", Path: "/items/0"},
		{Op: "remove", Path: "/items/2"},
		{Op: "remove", Path: "/items/1"},
	}

	reordered := Reorder(patch)

	require.Len(t, reordered, 3)
	assert.Equal(t, "/items/2", reordered[0].Path)
	assert.Equal(t, "/items/1", reordered[1].Path)
	assert.Equal(t, "/items/0", reordered[2].Path)
}

func TestReorderKeepsNonRemovalsFirst(t *testing.T) {
	patch := Patch{
		{Op: "remove", Path: "/items/0"},
		{Op: "replace", Path: "/name", Value: json.RawMessage(`"x"`)},
		{Op: "remove", Path: "/items/3"},
		{Op: "add", Path: "/count", Value: json.RawMessage(`1`)},
	}

	reordered := Reorder(patch)

	require.Len(t, reordered, 4)
	assert.Equal(t, "replace", reordered[0].Op)
	assert.Equal(t, "add", reordered[1].Op)
	assert.Equal(t, "/items/3", reordered[2].Path)
	assert.Equal(t, "/items/0", reordered[3].Path)
}

func TestReorderIndexInvariance(t *testing.T) {
	doc := []byte(`{"items": ["a", "b", "c"]}`)

	emitted := Patch{
		{Op: "remove", Path: "/items/0"},
		{Op: "remove", Path: "/items/2"},
		{Op: "remove", Path: "/items/1"},
	}

	got, errs := Apply(doc, Reorder(emitted), false)
	require.Empty(t, errs)
	assert.JSONEq(t, `{"items": []}`, string(got))
}

func TestApplyAtomicNoPartialEffects(t *testing.T) {
	doc := []byte(`{"a": 1, "b": 2}`)
	patch := Patch{
		{Op: "replace", Path: "/a", Value: json.RawMessage(`10`)},
		{Op: "replace", Path: "/missing/deep", Value: json.RawMessage(`1`)},
	}

	got, errs := Apply(doc, patch, true)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Atomic failure")
	assert.JSONEq(t, `{"a": 1, "b": 2}`, string(got))
}

func TestApplyPartialRetainsValidPrefix(t *testing.T) {
	doc := []byte(`{"a": 1, "b": 2}`)
	patch := Patch{
		{Op: "replace", Path: "/a", Value: json.RawMessage(`10`)},
		{Op: "replace", Path: "/missing/deep", Value: json.RawMessage(`1`)},
		{Op: "replace", Path: "/b", Value: json.RawMessage(`20`)},
	}

	got, errs := Apply(doc, patch, false)

	require.Len(t, errs, 1)
	assert.JSONEq(t, `{"a": 10, "b": 20}`, string(got))
}

func TestApplyPartialSkipsNullParent(t *testing.T) {
	doc := []byte(`{"config": null}`)
	patch := Patch{
		{Op: "replace", Path: "/config/enabled", Value: json.RawMessage(`true`)},
	}

	got, errs := Apply(doc, patch, false)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "parent path is null or missing")
	assert.JSONEq(t, `{"config": null}`, string(got))
}

func TestApplyPartialMissingParent(t *testing.T) {
	doc := []byte(`{"a": 1}`)
	patch := Patch{
		{Op: "add", Path: "/nested/field", Value: json.RawMessage(`1`)},
	}

	_, errs := Apply(doc, patch, false)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "set the parent object first")
}

func TestApplyEmptyPatch(t *testing.T) {
	doc := []byte(`{"a": 1}`)

	got, errs := Apply(doc, Patch{}, false)

	assert.Empty(t, errs)
	assert.JSONEq(t, `{"a": 1}`, string(got))
}

func TestApplyMoveAndCopy(t *testing.T) {
	doc := []byte(`{"a": 1, "b": {"c": 2}}`)
	patch := Patch{
		{Op: "move", Path: "/b/d", From: "/a"},
		{Op: "copy", Path: "/e", From: "/b/c"},
	}

	got, errs := Apply(doc, patch, false)

	require.Empty(t, errs)
	assert.JSONEq(t, `{"b": {"c": 2, "d": 1}, "e": 2}`, string(got))
}

func TestParentPathValid(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{
		"a": {"b": {"c": 1}},
		"arr": [{"x": 1}, null],
		"nil": null,
		"key~with/slash": {"inner": 1}
	}`), &doc))

	tests := []struct {
		path string
		want bool
	}{
		{"/a/b/c", true},
		{"/a/b/new", true},
		{"/a/missing/c", false},
		{"/nil/inner", false},
		{"/arr/0/x", true},
		{"/arr/1/x", false},
		{"/arr/5/x", false},
		{"/top", true},
		{"/key~0with~1slash/inner/deep", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, parentPathValid(doc, tt.path))
		})
	}
}
