// Package view derives filtered, sorted projections of the store's entities.
package view

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kalambet/curio/internal/store"
)

// Sort orders a projection.
type Sort string

const (
	SortNewest  Sort = "newest"
	SortOldest  Sort = "oldest"
	SortUpdated Sort = "updated"
	SortTitle   Sort = "title"
)

// ErrInvalidFilter wraps malformed filter input.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects entities. Zero fields match everything; tombstones are
// excluded unless IncludeDeleted is set.
type Filter struct {
	Kind store.Kind `json:"kind,omitempty"`
	// Tags must all be present.
	Tags []string `json:"tags,omitempty"`
	// TagPattern is a glob matched against each tag; "lang/**" matches
	// hierarchical tags.
	TagPattern     string `json:"tag_pattern,omitempty"`
	Query          string `json:"q,omitempty"`
	IncludeDeleted bool   `json:"deleted,omitempty"`
	Sort           Sort   `json:"sort,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Validate checks the parts of f that can be malformed.
func (f Filter) Validate() error {
	if f.Kind != "" && !f.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, f.Kind)
	}
	if f.TagPattern != "" && !doublestar.ValidatePattern(f.TagPattern) {
		return fmt.Errorf("%w: bad tag pattern %q", ErrInvalidFilter, f.TagPattern)
	}
	switch f.Sort {
	case "", SortNewest, SortOldest, SortUpdated, SortTitle:
	default:
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidFilter, f.Sort)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	return nil
}

// Match reports whether e passes the filter.
func (f Filter) Match(e store.Entity) bool {
	if e.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	for _, t := range f.Tags {
		if !e.HasTag(t) {
			return false
		}
	}
	if f.TagPattern != "" {
		pattern := strings.ToLower(f.TagPattern)
		if !slices.ContainsFunc(e.Tags, func(t string) bool {
			ok, err := doublestar.Match(pattern, t)
			return err == nil && ok
		}) {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		hay := strings.ToLower(strings.Join([]string{e.Title, e.Description, e.URL, e.Notes, e.Summary}, "\n"))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// Apply filters, sorts, and truncates entities. The input is not modified.
func Apply(entities []store.Entity, f Filter) []store.Entity {
	out := make([]store.Entity, 0, len(entities))
	for _, e := range entities {
		if f.Match(e) {
			out = append(out, e.Clone())
		}
	}
	sortEntities(out, f.Sort)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortEntities(es []store.Entity, by Sort) {
	less := func(a, b store.Entity) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	}
	switch by {
	case SortOldest:
		less = func(a, b store.Entity) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
	case SortUpdated:
		less = func(a, b store.Entity) bool {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return a.ID < b.ID
		}
	case SortTitle:
		less = func(a, b store.Entity) bool {
			at, bt := strings.ToLower(a.Title), strings.ToLower(b.Title)
			if at != bt {
				return at < bt
			}
			return a.ID < b.ID
		}
	}
	sort.SliceStable(es, func(i, j int) bool { return less(es[i], es[j]) })
}
