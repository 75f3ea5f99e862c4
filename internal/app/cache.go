package app

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
)

// cache writes store collections through to durable storage. Each save
// snapshots the collection while holding the namespace lock, so the last
// save to finish always carries the newest state.
type cache struct {
	db     *storage.Store
	store  *store.Store
	logger *slog.Logger

	entitiesMu  sync.Mutex
	artifactsMu sync.Mutex
}

func newCache(db *storage.Store, s *store.Store, logger *slog.Logger) *cache {
	return &cache{db: db, store: s, logger: logger}
}

func (c *cache) load() ([]store.Entity, []store.Artifact, error) {
	entities, err := storage.LoadJSON[store.Entity](c.db, storage.NamespaceEntities)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := storage.LoadJSON[store.Artifact](c.db, storage.NamespaceArtifacts)
	if err != nil {
		return nil, nil, err
	}
	return entities, artifacts, nil
}

func (c *cache) SaveEntities() error {
	c.entitiesMu.Lock()
	defer c.entitiesMu.Unlock()

	entities := c.store.Entities.Values()
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	return storage.SaveJSON(c.db, storage.NamespaceEntities, entities)
}

func (c *cache) SaveArtifacts() error {
	c.artifactsMu.Lock()
	defer c.artifactsMu.Unlock()

	artifacts := c.store.Artifacts.Values()
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Key().String() < artifacts[j].Key().String()
	})
	return storage.SaveJSON(c.db, storage.NamespaceArtifacts, artifacts)
}

// persistEntities saves entities and logs failures; memory stays authoritative.
func (c *cache) persistEntities() {
	if err := c.SaveEntities(); err != nil {
		c.logger.Error("persisting entities", "error", err)
	}
}

func (c *cache) persistArtifacts() {
	if err := c.SaveArtifacts(); err != nil {
		c.logger.Error("persisting artifacts", "error", err)
	}
}
