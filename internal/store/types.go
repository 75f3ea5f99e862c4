package store

import (
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
)

// Kind is the content type of a saved item.
type Kind string

const (
	KindLink     Kind = "link"
	KindVideo    Kind = "video"
	KindPost     Kind = "post"
	KindNote     Kind = "note"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// Kinds lists every supported item kind.
var Kinds = []Kind{KindLink, KindVideo, KindPost, KindNote, KindImage, KindDocument}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

// Entity is a saved content item.
type Entity struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	Tags        []string  `json:"tags"`
	Notes       string    `json:"notes,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ImageURLs   []string  `json:"image_urls,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (e Entity) Clone() Entity {
	e.Tags = slices.Clone(e.Tags)
	e.ImageURLs = slices.Clone(e.ImageURLs)
	return e
}

// HasTag reports whether the entity carries tag (case-insensitive).
func (e Entity) HasTag(tag string) bool {
	return slices.Contains(e.Tags, strings.ToLower(strings.TrimSpace(tag)))
}

// NormalizeTags lower-cases, trims, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ArtifactKind names a type of enrichment result.
type ArtifactKind string

const (
	ArtifactTags             ArtifactKind = "tags"
	ArtifactSummary          ArtifactKind = "summary"
	ArtifactImageDescription ArtifactKind = "image_description"
	ArtifactTranscript       ArtifactKind = "transcript"
)

// ArtifactKinds lists every supported artifact kind.
var ArtifactKinds = []ArtifactKind{ArtifactTags, ArtifactSummary, ArtifactImageDescription, ArtifactTranscript}

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	return slices.Contains(ArtifactKinds, k)
}

// DefaultSubKey is used when an artifact kind has a single instance per entity.
const DefaultSubKey = "-"

// ArtifactKey identifies one artifact instance.
type ArtifactKey struct {
	EntityID string       `json:"entity_id"`
	Kind     ArtifactKind `json:"kind"`
	SubKey   string       `json:"sub_key"`
}

// String renders the key as a stable identifier usable as a remote record id.
func (k ArtifactKey) String() string {
	return k.EntityID + "/" + string(k.Kind) + "/" + url.PathEscape(k.SubKey)
}

// Artifact is an enrichment result attached to an entity.
type Artifact struct {
	EntityID   string       `json:"entity_id"`
	Kind       ArtifactKind `json:"kind"`
	SubKey     string       `json:"sub_key"`
	Value      string       `json:"value"`
	ProducedBy string       `json:"produced_by"`
	FetchedAt  time.Time    `json:"fetched_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Key returns the artifact's identity.
func (a Artifact) Key() ArtifactKey {
	return ArtifactKey{EntityID: a.EntityID, Kind: a.Kind, SubKey: a.SubKey}
}

// Tag is one entry of the derived tag index.
type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Patch is a partial update to an entity. Nil fields are left untouched.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	URL         *string   `json:"url,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Summary     *string   `json:"summary,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	AddTags     []string  `json:"add_tags,omitempty"`
	RemoveTags  []string  `json:"remove_tags,omitempty"`
	ImageURLs   *[]string `json:"image_urls,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.URL == nil && p.Notes == nil &&
		p.Summary == nil && p.Tags == nil && len(p.AddTags) == 0 && len(p.RemoveTags) == 0 &&
		p.ImageURLs == nil
}

// Apply returns a new entity with the patch applied. The input is not modified.
func (p Patch) Apply(e Entity) Entity {
	out := e.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.URL != nil {
		out.URL = *p.URL
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.Summary != nil {
		out.Summary = *p.Summary
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(*p.Tags)
	}
	if len(p.AddTags) > 0 {
		out.Tags = append(out.Tags, p.AddTags...)
	}
	out.Tags = NormalizeTags(out.Tags)
	if len(p.RemoveTags) > 0 {
		drop := NormalizeTags(p.RemoveTags)
		out.Tags = slices.DeleteFunc(out.Tags, func(t string) bool {
			return slices.Contains(drop, t)
		})
	}
	if p.ImageURLs != nil {
		out.ImageURLs = slices.Clone(*p.ImageURLs)
	}
	return out
}

// StringPtr is a small helper for building patches.
func StringPtr(s string) *string { return &s }

// TagsPtr is a small helper for building patches.
func TagsPtr(tags ...string) *[]string { return &tags }
