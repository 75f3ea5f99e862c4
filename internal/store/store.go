// Package store holds the in-memory, observable state of the application:
// items, their enrichment artifacts, and a derived tag index. It is the single
// source of truth for readers; persistence and sync are layered on top.
package store

import (
	"sort"
)

// Store bundles the typed collections. Create it with New and release it with Close.
type Store struct {
	Entities  *Collection[string, Entity]
	Artifacts *Collection[ArtifactKey, Artifact]
	Tags      *Collection[string, Tag]

	unsubTags func()
}

// New creates an empty store with the tag index wired to the entity collection.
func New() *Store {
	s := &Store{
		Entities:  NewCollection[string, Entity](),
		Artifacts: NewCollection[ArtifactKey, Artifact](),
		Tags:      NewCollection[string, Tag](),
	}
	s.unsubTags = s.Entities.SubscribeFunc(nil, s.indexTags)
	return s
}

// Close rejects further writes and drops subscribers.
func (s *Store) Close() {
	s.unsubTags()
	s.Entities.Close()
	s.Artifacts.Close()
	s.Tags.Close()
}

// Entity returns a copy of the entity stored under id.
func (s *Store) Entity(id string) (Entity, bool) {
	e, ok := s.Entities.Get(id)
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Hydrate loads persisted records into the store. Records with the same key
// resolve by last-writer-wins on UpdatedAt.
func (s *Store) Hydrate(entities []Entity, artifacts []Artifact) error {
	for _, e := range entities {
		if _, err := s.Merge(e); err != nil {
			return err
		}
	}
	for _, a := range artifacts {
		if _, err := s.MergeArtifact(a); err != nil {
			return err
		}
	}
	return nil
}

// Merge applies an externally sourced entity if it is newer than the local
// copy. It reports whether the store changed.
func (s *Store) Merge(e Entity) (bool, error) {
	e = e.Clone()
	e.Tags = NormalizeTags(e.Tags)
	_, changed, err := s.Entities.Update(e.ID, func(old Entity, ok bool) (Entity, bool) {
		if ok && !e.UpdatedAt.After(old.UpdatedAt) {
			return old, false
		}
		return e, true
	})
	return changed, err
}

// MergeArtifact applies a if it is newer than the local copy.
func (s *Store) MergeArtifact(a Artifact) (bool, error) {
	_, changed, err := s.Artifacts.Update(a.Key(), func(old Artifact, ok bool) (Artifact, bool) {
		if ok && !a.UpdatedAt.After(old.UpdatedAt) {
			return old, false
		}
		return a, true
	})
	return changed, err
}

// ArtifactsFor returns the artifacts attached to entityID ordered by kind and sub key.
func (s *Store) ArtifactsFor(entityID string) []Artifact {
	var out []Artifact
	for _, a := range s.Artifacts.Values() {
		if a.EntityID == entityID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SubKey < out[j].SubKey
	})
	return out
}

// Purge physically removes an entity and every artifact attached to it.
func (s *Store) Purge(entityID string) error {
	if _, _, err := s.Entities.Delete(entityID); err != nil {
		return err
	}
	for _, a := range s.ArtifactsFor(entityID) {
		if _, _, err := s.Artifacts.Delete(a.Key()); err != nil {
			return err
		}
	}
	return nil
}

// TagList returns the tag index sorted by descending count, then name.
func (s *Store) TagList() []Tag {
	tags := s.Tags.Values()
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Name < tags[j].Name
	})
	return tags
}

func liveTags(e Entity, present bool) []string {
	if !present || e.Deleted {
		return nil
	}
	return e.Tags
}

func (s *Store) indexTags(ch Change[string, Entity]) {
	before := liveTags(ch.Old, ch.HadOld)
	after := liveTags(ch.New, !ch.Deleted)

	delta := make(map[string]int)
	for _, t := range before {
		delta[t]--
	}
	for _, t := range after {
		delta[t]++
	}
	for name, d := range delta {
		if d == 0 {
			continue
		}
		_, _, err := s.Tags.Update(name, func(old Tag, _ bool) (Tag, bool) {
			return Tag{Name: name, Count: old.Count + d}, true
		})
		if err != nil {
			return
		}
		s.Tags.DeleteIf(name, func(t Tag) bool { return t.Count <= 0 })
	}
}
