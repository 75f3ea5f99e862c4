// Package guard keeps at most one enrichment in flight per (entity, artifact kind).
//
// Tickets are process-local and never persisted; a restarted process starts
// with every key idle.
package guard

import (
	"sort"
	"sync"
	"time"

	"github.com/kalambet/curio/internal/store"
)

// Status is the state of one ticket.
type Status int

const (
	// StatusIdle means no generation is running and the last one (if any) succeeded.
	StatusIdle Status = iota
	// StatusInFlight means a generation holds the ticket.
	StatusInFlight
	// StatusFailed means no generation is running and the last one failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in_flight"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key identifies a ticket.
type Key struct {
	EntityID string             `json:"entity_id"`
	Kind     store.ArtifactKind `json:"kind"`
}

type ticket struct {
	inFlight bool
	since    time.Time
	lastErr  error
}

// Guard is a map of tickets. The zero value is not usable; call New.
type Guard struct {
	mu      sync.Mutex
	tickets map[Key]*ticket
	now     func() time.Time
}

// New returns a guard with every key idle.
func New() *Guard {
	return &Guard{tickets: make(map[Key]*ticket), now: time.Now}
}

// TryAcquire takes the ticket for (entityID, kind) without blocking. It
// returns false when the ticket is already held.
func (g *Guard) TryAcquire(entityID string, kind store.ArtifactKind) bool {
	k := Key{EntityID: entityID, Kind: kind}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[k]
	if !ok {
		t = &ticket{}
		g.tickets[k] = t
	}
	if t.inFlight {
		return false
	}
	t.inFlight = true
	t.since = g.now()
	return true
}

// Release returns the ticket to idle and records err as the outcome of the
// generation. Releasing an idle ticket is a no-op.
func (g *Guard) Release(entityID string, kind store.ArtifactKind, err error) {
	k := Key{EntityID: entityID, Kind: kind}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[k]
	if !ok || !t.inFlight {
		return
	}
	t.inFlight = false
	t.since = time.Time{}
	t.lastErr = err
	if err == nil {
		// Idle tickets without a recorded failure carry no state.
		delete(g.tickets, k)
	}
}

// Status reports the state of the ticket for (entityID, kind).
func (g *Guard) Status(entityID string, kind store.ArtifactKind) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[Key{EntityID: entityID, Kind: kind}]
	switch {
	case !ok:
		return StatusIdle
	case t.inFlight:
		return StatusInFlight
	case t.lastErr != nil:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// LastError returns the error recorded by the most recent failed release.
func (g *Guard) LastError(entityID string, kind store.ArtifactKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.tickets[Key{EntityID: entityID, Kind: kind}]; ok {
		return t.lastErr
	}
	return nil
}

// InFlight lists held tickets ordered by entity and kind.
func (g *Guard) InFlight() []Key {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Key
	for k, t := range g.tickets {
		if t.inFlight {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Forget drops any recorded state for entityID. Held tickets are kept so the
// running generation can still release them.
func (g *Guard) Forget(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for k, t := range g.tickets {
		if k.EntityID == entityID && !t.inFlight {
			delete(g.tickets, k)
		}
	}
}
