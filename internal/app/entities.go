package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

// NewEntity is the input of Create. ID is generated when empty.
type NewEntity struct {
	ID          string     `json:"id,omitempty"`
	Kind        store.Kind `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	ImageURLs   []string   `json:"image_urls,omitempty"`
}

// Validate checks n the way Create does.
func (n NewEntity) Validate() error {
	err := validation.ValidateStruct(&n,
		validation.Field(&n.ID, validation.Length(0, 128), validation.By(noSlash)),
		validation.Field(&n.Kind, validation.Required, validation.By(validKind)),
		validation.Field(&n.Title, validation.Required.When(n.URL == "" && n.Notes == ""), validation.Length(0, 1000)),
		validation.Field(&n.URL, validation.Required.When(n.Kind == store.KindLink || n.Kind == store.KindVideo), validation.By(absoluteURL)),
		validation.Field(&n.ImageURLs, validation.Each(validation.By(absoluteURL))),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validKind(v any) error {
	k, _ := v.(store.Kind)
	if k != "" && !k.Valid() {
		return fmt.Errorf("unknown kind %q", k)
	}
	return nil
}

func noSlash(v any) error {
	if s, _ := v.(string); strings.ContainsAny(s, "/\\") {
		return errors.New("must not contain slashes")
	}
	return nil
}

func absoluteURL(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

// Get returns the entity stored under id. Tombstones are returned together
// with ErrDeleted.
func (a *App) Get(id string) (store.Entity, error) {
	e, ok := a.store.Entity(id)
	if !ok {
		return store.Entity{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if e.Deleted {
		return e, fmt.Errorf("entity %s: %w", id, ErrDeleted)
	}
	return e, nil
}

// Create adds a new entity and queues its upload. When the queue is full the
// entity is removed again and ErrQueueFull is returned.
func (a *App) Create(n NewEntity) (store.Entity, error) {
	if err := n.Validate(); err != nil {
		return store.Entity{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = n.URL
	}
	if title == "" {
		title = firstLine(n.Notes)
	}
	now := a.now().UTC()
	e := store.Entity{
		ID:          n.ID,
		Kind:        n.Kind,
		Title:       title,
		Description: n.Description,
		URL:         n.URL,
		Tags:        store.NormalizeTags(n.Tags),
		Notes:       n.Notes,
		ImageURLs:   n.ImageURLs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	exists := false
	ch, _, err := a.store.Entities.Update(e.ID, func(old store.Entity, ok bool) (store.Entity, bool) {
		if ok {
			exists = true
			return old, false
		}
		return e, true
	})
	if err != nil {
		return store.Entity{}, err
	}
	if exists {
		return store.Entity{}, fmt.Errorf("entity %s: %w", e.ID, ErrExists)
	}

	a.cache.persistEntities()
	if err := a.enqueueEntity(syncq.OpUpsertEntity, e); err != nil {
		a.revert(ch)
		return store.Entity{}, err
	}
	a.logger.Debug("entity created", "entity_id", e.ID, "kind", e.Kind)
	return e.Clone(), nil
}

// Mutate applies patch to a live entity and queues the upload. The new value
// is readable as soon as Mutate returns.
func (a *App) Mutate(id string, patch store.Patch) (store.Entity, error) {
	var (
		opErr   error
		current store.Entity
	)
	ch, written, err := a.store.Entities.Update(id, func(old store.Entity, ok bool) (store.Entity, bool) {
		current = old
		switch {
		case !ok:
			opErr = fmt.Errorf("entity %s: %w", id, ErrNotFound)
			return old, false
		case old.Deleted:
			opErr = fmt.Errorf("entity %s: %w", id, ErrDeleted)
			return old, false
		case patch.IsEmpty():
			return old, false
		}
		next := patch.Apply(old)
		next.UpdatedAt = a.stamp(old.UpdatedAt)
		return next, true
	})
	if err != nil {
		return store.Entity{}, err
	}
	if opErr != nil {
		return store.Entity{}, opErr
	}
	if !written {
		return current.Clone(), nil
	}

	a.cache.persistEntities()
	if err := a.enqueueEntity(syncq.OpUpsertEntity, ch.New); err != nil {
		a.revert(ch)
		return store.Entity{}, err
	}
	return ch.New.Clone(), nil
}

// DeleteEntity tombstones id and queues the remote delete of the entity and
// its artifacts. The tombstone is purged once the remote acknowledges the
// delete. Deleting a tombstone is a no-op.
func (a *App) DeleteEntity(id string) error {
	var (
		missing bool
		already bool
	)
	ch, _, err := a.store.Entities.Update(id, func(old store.Entity, ok bool) (store.Entity, bool) {
		if !ok {
			missing = true
			return old, false
		}
		if old.Deleted {
			already = true
			return old, false
		}
		next := old.Clone()
		next.Deleted = true
		next.UpdatedAt = a.stamp(old.UpdatedAt)
		return next, true
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if already {
		return nil
	}

	a.cache.persistEntities()
	if err := a.enqueueEntity(syncq.OpDeleteEntity, ch.New); err != nil {
		a.revert(ch)
		return err
	}
	for _, art := range a.store.ArtifactsFor(id) {
		op := syncq.Op{
			Kind:      syncq.OpDeleteArtifact,
			Namespace: storage.NamespaceArtifacts,
			TargetID:  art.Key().String(),
			EntityID:  id,
		}
		if _, err := a.queue.Enqueue(op); err != nil {
			a.logger.Error("queueing artifact delete", "entity_id", id, "kind", art.Kind, "error", err)
		}
	}
	a.logger.Debug("entity deleted", "entity_id", id)
	return nil
}

// ImportResult counts what Import did.
type ImportResult struct {
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

// Import merges externally sourced entities by last-writer-wins on
// UpdatedAt. Records that change the store are queued for upload; older or
// identical records are skipped. The batch is rejected before any write when
// a record is invalid. When the queue fills up, the records not yet queued
// are rolled back and counted in neither Merged nor Skipped.
func (a *App) Import(entities []store.Entity) (ImportResult, error) {
	var res ImportResult

	records := make([]store.Entity, 0, len(entities))
	for _, in := range entities {
		if in.ID == "" || !in.Kind.Valid() {
			return res, fmt.Errorf("%w: record %q has no id or an unknown kind", ErrInvalid, in.ID)
		}
		in = in.Clone()
		in.Tags = store.NormalizeTags(in.Tags)
		if in.UpdatedAt.IsZero() {
			in.UpdatedAt = a.now().UTC()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = in.UpdatedAt
		}
		records = append(records, in)
	}

	var merged []store.Change[string, store.Entity]
	for _, in := range records {
		ch, written, err := a.store.Entities.Update(in.ID, func(old store.Entity, ok bool) (store.Entity, bool) {
			if ok && !in.UpdatedAt.After(old.UpdatedAt) {
				return old, false
			}
			return in, true
		})
		if err != nil {
			a.undoAll(merged)
			return ImportResult{}, err
		}
		if !written {
			res.Skipped++
			continue
		}
		merged = append(merged, ch)
	}
	if len(merged) == 0 {
		return res, nil
	}
	a.cache.persistEntities()

	for i, ch := range merged {
		kind := syncq.OpUpsertEntity
		if ch.New.Deleted {
			kind = syncq.OpDeleteEntity
		}
		if err := a.enqueueEntity(kind, ch.New); err != nil {
			a.undoAll(merged[i:])
			return res, err
		}
		res.Merged++
	}
	return res, nil
}

func (a *App) enqueueEntity(kind syncq.OpKind, e store.Entity) error {
	op := syncq.Op{
		Kind:      kind,
		Namespace: storage.NamespaceEntities,
		TargetID:  e.ID,
		EntityID:  e.ID,
	}
	if kind == syncq.OpUpsertEntity {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding entity %s: %w", e.ID, err)
		}
		op.Payload = payload
	}
	if _, err := a.queue.Enqueue(op); err != nil {
		return fmt.Errorf("queueing %s for %s: %w", kind, e.ID, err)
	}
	return nil
}

// revert undoes ch after its op could not be queued and rewrites the cache.
// A newer write to the same entity is left in place.
func (a *App) revert(ch store.Change[string, store.Entity]) {
	if a.undo(ch) {
		a.cache.persistEntities()
	}
}

// undoAll reverts changes newest first and rewrites the cache once.
func (a *App) undoAll(changes []store.Change[string, store.Entity]) {
	reverted := false
	for i := len(changes) - 1; i >= 0; i-- {
		if a.undo(changes[i]) {
			reverted = true
		}
	}
	if reverted {
		a.cache.persistEntities()
	}
}

func (a *App) undo(ch store.Change[string, store.Entity]) bool {
	reverted, err := a.store.Entities.Revert(ch)
	switch {
	case err != nil:
		a.logger.Error("rolling back entity", "entity_id", ch.Key, "error", err)
	case !reverted:
		a.logger.Debug("rollback skipped, entity written since", "entity_id", ch.Key)
	}
	return reverted
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80])
	}
	return strings.TrimSpace(s)
}
