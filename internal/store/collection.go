package store

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by writes after the store has been closed.
	ErrClosed = errors.New("store closed")
	// ErrDeleted is returned when mutating or enriching a tombstoned entity.
	ErrDeleted = errors.New("entity deleted")
)

// Change describes one committed write to a collection.
type Change[K comparable, V any] struct {
	Key     K
	Old     V
	HadOld  bool
	New     V
	Deleted bool
	Version uint64
}

type subscriber[K comparable, V any] struct {
	match func(K) bool
	fn    func(Change[K, V])
}

// Collection is an observable keyed collection. Every write replaces the
// whole value and synchronously notifies matching subscribers before
// returning. Writers are serialized together with their notifications, so
// subscribers see changes in commit order. Callbacks run after the data lock
// is released, so they may read from the collection; they must not block or
// write to the same collection.
type Collection[K comparable, V any] struct {
	// writeMu is held from commit until every subscriber has been notified.
	writeMu sync.Mutex

	mu       sync.RWMutex
	items    map[K]V
	versions map[K]uint64 // last write per key, deletes included
	subs     map[uint64]subscriber[K, V]
	nextSub  uint64
	version  uint64
	closed   bool
}

// NewCollection returns an empty collection.
func NewCollection[K comparable, V any]() *Collection[K, V] {
	return &Collection[K, V]{
		items:    make(map[K]V),
		versions: make(map[K]uint64),
		subs:     make(map[uint64]subscriber[K, V]),
	}
}

// Get returns the value stored under key.
func (c *Collection[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Len returns the number of stored values.
func (c *Collection[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Version returns the number of writes committed so far.
func (c *Collection[K, V]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Snapshot returns a shallow copy of the collection.
func (c *Collection[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[K]V, len(c.items))
	for k, v := range c.items {
		out[k] = v
	}
	return out
}

// Values returns all values in unspecified order.
func (c *Collection[K, V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	return out
}

// Set replaces the value under key and notifies subscribers.
func (c *Collection[K, V]) Set(key K, value V) (Change[K, V], error) {
	ch, _, err := c.Update(key, func(V, bool) (V, bool) { return value, true })
	return ch, err
}

// Update computes the next value from the current one under the write lock.
// fn returns write=false to leave the collection untouched. fn must not call
// back into the collection.
func (c *Collection[K, V]) Update(key K, fn func(old V, ok bool) (next V, write bool)) (Change[K, V], bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Change[K, V]{}, false, ErrClosed
	}
	old, had := c.items[key]
	next, write := fn(old, had)
	if !write {
		c.mu.Unlock()
		return Change[K, V]{}, false, nil
	}
	c.items[key] = next
	c.version++
	c.versions[key] = c.version
	ch := Change[K, V]{Key: key, Old: old, HadOld: had, New: next, Version: c.version}
	subs := c.matchingLocked(key)
	c.mu.Unlock()

	notify(subs, ch)
	return ch, true, nil
}

// Delete removes key and notifies subscribers. Deleting an absent key is a no-op.
func (c *Collection[K, V]) Delete(key K) (Change[K, V], bool, error) {
	return c.DeleteIf(key, nil)
}

// DeleteIf removes key only when pred accepts the current value. A nil pred
// always accepts.
func (c *Collection[K, V]) DeleteIf(key K, pred func(V) bool) (Change[K, V], bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Change[K, V]{}, false, ErrClosed
	}
	old, had := c.items[key]
	if !had || (pred != nil && !pred(old)) {
		c.mu.Unlock()
		return Change[K, V]{}, false, nil
	}
	delete(c.items, key)
	c.version++
	c.versions[key] = c.version
	ch := Change[K, V]{Key: key, Old: old, HadOld: true, Deleted: true, Version: c.version}
	subs := c.matchingLocked(key)
	c.mu.Unlock()

	notify(subs, ch)
	return ch, true, nil
}

// Revert re-applies the snapshot a change replaced and re-notifies. It only
// acts while ch is still the latest write to its key and reports whether it
// did; a later write is never undone.
func (c *Collection[K, V]) Revert(ch Change[K, V]) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if ch.Version == 0 || c.versions[ch.Key] != ch.Version {
		c.mu.Unlock()
		return false, nil
	}
	_, present := c.items[ch.Key]

	c.version++
	rev := Change[K, V]{Key: ch.Key, Version: c.version}
	if present {
		rev.Old, rev.HadOld = c.items[ch.Key], true
	}
	c.versions[ch.Key] = c.version
	if ch.HadOld {
		c.items[ch.Key] = ch.Old
		rev.New = ch.Old
	} else {
		delete(c.items, ch.Key)
		rev.Deleted = true
	}
	subs := c.matchingLocked(ch.Key)
	c.mu.Unlock()

	notify(subs, rev)
	return true, nil
}

// Subscribe registers fn for changes to key.
func (c *Collection[K, V]) Subscribe(key K, fn func(Change[K, V])) (unsubscribe func()) {
	return c.SubscribeFunc(func(k K) bool { return k == key }, fn)
}

// SubscribeFunc registers fn for changes to every key match accepts. A nil
// match subscribes to all keys.
func (c *Collection[K, V]) SubscribeFunc(match func(K) bool, fn func(Change[K, V])) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = subscriber[K, V]{match: match, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Close rejects further writes and drops all subscribers.
func (c *Collection[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.subs)
}

func (c *Collection[K, V]) matchingLocked(key K) []subscriber[K, V] {
	var out []subscriber[K, V]
	for _, s := range c.subs {
		if s.match == nil || s.match(key) {
			out = append(out, s)
		}
	}
	return out
}

func notify[K comparable, V any](subs []subscriber[K, V], ch Change[K, V]) {
	for _, s := range subs {
		s.fn(ch)
	}
}
