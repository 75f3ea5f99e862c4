package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/curio/internal/store"
)

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"go, ML, rust", []string{"go", "ml", "rust"}},
		{"- Go\n- #Databases\n* sqlite", []string{"databases", "go", "sqlite"}},
		{"\"a\"; 'b'; a.", []string{"a", "b"}},
		{"   ", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTags(tt.in), "input %q", tt.in)
	}
}

func TestPatchFor(t *testing.T) {
	p, ok := PatchFor(store.Artifact{Kind: store.ArtifactTags, Value: "go, ml"})
	assert.True(t, ok)
	assert.Equal(t, []string{"go", "ml"}, p.AddTags)

	p, ok = PatchFor(store.Artifact{Kind: store.ArtifactSummary, Value: "  A summary.  "})
	assert.True(t, ok)
	assert.Equal(t, "A summary.", *p.Summary)

	_, ok = PatchFor(store.Artifact{Kind: store.ArtifactSummary, Value: " "})
	assert.False(t, ok)

	_, ok = PatchFor(store.Artifact{Kind: store.ArtifactImageDescription, Value: "a cat"})
	assert.False(t, ok)
}
