package enrich

import (
	"strings"

	"github.com/kalambet/curio/internal/store"
)

// PatchFor returns the entity patch an artifact implies. Tags are merged into
// the entity's tag set and summaries are copied into Entity.Summary; other
// kinds only live as artifacts.
func PatchFor(a store.Artifact) (store.Patch, bool) {
	switch a.Kind {
	case store.ArtifactTags:
		tags := ParseTags(a.Value)
		if len(tags) == 0 {
			return store.Patch{}, false
		}
		return store.Patch{AddTags: tags}, true
	case store.ArtifactSummary:
		v := strings.TrimSpace(a.Value)
		if v == "" {
			return store.Patch{}, false
		}
		return store.Patch{Summary: &v}, true
	default:
		return store.Patch{}, false
	}
}

// ParseTags splits producer output into normalized tags. It accepts comma or
// newline separated lists and strips list bullets and leading '#'.
func ParseTags(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		f = strings.TrimLeft(f, "-*• ")
		f = strings.TrimPrefix(f, "#")
		f = strings.Trim(f, "\"'` .")
		if f == "" || len(f) > 64 {
			continue
		}
		out = append(out, f)
	}
	return store.NormalizeTags(out)
}
