package app

import (
	"sync"

	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

// EventType names what changed.
type EventType string

const (
	EventEntity           EventType = "entity"
	EventArtifact         EventType = "artifact"
	EventEnrichmentFailed EventType = "enrichment_failed"
	EventSyncExhausted    EventType = "sync_exhausted"
	EventSynced           EventType = "synced"
)

// Event is delivered to subscribers after every store change and for sync
// and enrichment outcomes. Removed is set when the record left the store.
type Event struct {
	Type     EventType           `json:"type"`
	EntityID string              `json:"entity_id,omitempty"`
	Entity   *store.Entity       `json:"entity,omitempty"`
	Artifact *store.Artifact     `json:"artifact,omitempty"`
	Removed  bool                `json:"removed,omitempty"`
	Kind     store.ArtifactKind  `json:"kind,omitempty"`
	Op       *syncq.Op           `json:"op,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type listeners struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(Event)
}

func (l *listeners) add(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(Event))
	}
	l.next++
	id := l.next
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) publish(ev Event) {
	l.mu.RLock()
	fns := make([]func(Event), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func entityEvent(ch store.Change[string, store.Entity]) Event {
	ev := Event{Type: EventEntity, EntityID: ch.Key, Removed: ch.Deleted}
	if !ch.Deleted {
		e := ch.New.Clone()
		ev.Entity = &e
	}
	return ev
}

func artifactEvent(ch store.Change[store.ArtifactKey, store.Artifact]) Event {
	ev := Event{Type: EventArtifact, EntityID: ch.Key.EntityID, Kind: ch.Key.Kind, Removed: ch.Deleted}
	if !ch.Deleted {
		a := ch.New
		ev.Artifact = &a
	}
	return ev
}
