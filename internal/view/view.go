package view

import (
	"sync"

	"github.com/kalambet/curio/internal/store"
)

// View is a live projection: it recomputes whenever an entity that matches
// the filter (before or after the change) is written.
type View struct {
	store  *store.Store
	filter Filter

	mu    sync.Mutex
	items []store.Entity
	subs  map[uint64]func([]store.Entity)
	next  uint64
	unsub func()
}

// New builds a view over s. Close releases its store subscription.
func New(s *store.Store, f Filter) *View {
	v := &View{store: s, filter: f, subs: make(map[uint64]func([]store.Entity))}
	v.items = Apply(s.Entities.Values(), f)
	v.unsub = s.Entities.SubscribeFunc(nil, v.onChange)
	return v
}

// Filter returns the filter the view was built with.
func (v *View) Filter() Filter { return v.filter }

// Items returns the current projection.
func (v *View) Items() []store.Entity {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.Entity, len(v.items))
	for i, e := range v.items {
		out[i] = e.Clone()
	}
	return out
}

// Subscribe registers fn to receive the projection after every relevant change.
func (v *View) Subscribe(fn func([]store.Entity)) (unsubscribe func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	id := v.next
	v.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// Close stops tracking the store.
func (v *View) Close() {
	v.unsub()
	v.mu.Lock()
	clear(v.subs)
	v.mu.Unlock()
}

func (v *View) onChange(ch store.Change[string, store.Entity]) {
	relevant := (ch.HadOld && v.filter.Match(ch.Old)) || (!ch.Deleted && v.filter.Match(ch.New))
	if !relevant {
		return
	}

	items := Apply(v.store.Entities.Values(), v.filter)

	v.mu.Lock()
	v.items = items
	subs := make([]func([]store.Entity), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(items)
	}
}
