// Package app is the service the user interfaces talk to. It owns the
// observable store and wires persistence, enrichment and remote sync behind
// a small set of operations. Every mutation is visible to readers before it
// is persisted or sent anywhere.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/guard"
	"github.com/kalambet/curio/internal/metrics"
	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
	"github.com/kalambet/curio/internal/view"
)

var (
	ErrNotFound  = store.ErrNotFound
	ErrDeleted   = store.ErrDeleted
	ErrQueueFull = syncq.ErrQueueFull
	// ErrExists is returned by Create for an ID that is already taken.
	ErrExists = errors.New("entity already exists")
	// ErrInvalid wraps rejected input.
	ErrInvalid = errors.New("invalid input")
)

// Options configure an App. Storage is required.
type Options struct {
	Storage *storage.Store
	// Remote receives queued ops; nil leaves the queue to fill without an uploader.
	Remote syncq.Remote

	QueueCapacity int
	MaxAttempts   int
	Backoff       syncq.Backoff

	UploadWorkers int
	PollInterval  time.Duration
	RemoteTimeout time.Duration

	EnrichWorkers int
	EnrichTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// App is the running service. Create it with New and release it with Close.
type App struct {
	db       *storage.Store
	store    *store.Store
	cache    *cache
	queue    *syncq.Queue
	guard    *guard.Guard
	orch     *enrich.Orchestrator
	uploader *syncq.Uploader
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	events listeners
	unsubs []func()

	closeOnce sync.Once
}

// New restores the store and queue from storage and wires the components.
func New(opts Options) (*App, error) {
	if opts.Storage == nil {
		return nil, errors.New("app: storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &App{
		db:     opts.Storage,
		store:  store.New(),
		guard:  guard.New(),
		logger: logger,
		now:    now,
	}
	a.cache = newCache(opts.Storage, a.store, logger)

	entities, artifacts, err := a.cache.load()
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("loading local cache: %w", err)
	}
	if err := a.store.Hydrate(entities, artifacts); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("hydrating store: %w", err)
	}

	a.queue = syncq.NewQueue(syncq.Options{
		Capacity:    opts.QueueCapacity,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Store:       opts.Storage,
		Logger:      logger,
		Now:         now,
	})
	if err := a.queue.Load(); err != nil {
		a.store.Close()
		return nil, err
	}

	a.orch = enrich.New(enrich.Options{
		Store:      a.store,
		Guard:      a.guard,
		Cache:      a.cache,
		Queue:      a.queue,
		Workers:    opts.EnrichWorkers,
		Timeout:    opts.EnrichTimeout,
		Logger:     logger,
		Now:        now,
		OnArtifact: a.applyArtifact,
		OnFailure:  a.enrichmentFailed,
	})

	if opts.Remote != nil {
		a.uploader = syncq.NewUploader(a.queue, opts.Remote, syncq.UploaderOptions{
			Workers:      opts.UploadWorkers,
			PollInterval: opts.PollInterval,
			Timeout:      opts.RemoteTimeout,
			Logger:       logger,
			OnAck:        a.acked,
			OnExhausted:  a.exhausted,
		})
	}

	a.metrics = metrics.New(metrics.Sources{
		QueueStats: a.queue.Stats,
		Entities:   a.store.Entities.Len,
		Now:        now,
	})

	a.unsubs = append(a.unsubs,
		a.store.Entities.SubscribeFunc(nil, func(ch store.Change[string, store.Entity]) {
			a.events.publish(entityEvent(ch))
		}),
		a.store.Artifacts.SubscribeFunc(nil, func(ch store.Change[store.ArtifactKey, store.Artifact]) {
			a.events.publish(artifactEvent(ch))
		}),
	)

	logger.Info("store loaded", "entities", a.store.Entities.Len(), "artifacts", a.store.Artifacts.Len(),
		"pending_ops", len(a.queue.Pending()), "failed_ops", len(a.queue.Failed()))
	return a, nil
}

// Register installs the producer for kind. Calls are timed into the metrics.
func (a *App) Register(kind store.ArtifactKind, p enrich.Producer) {
	a.orch.Register(kind, enrich.ProduceFunc(func(ctx context.Context, e store.Entity, subKey string) (enrich.Output, error) {
		start := time.Now()
		out, err := p.Produce(ctx, e, subKey)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		a.metrics.ObserveEnrichment(kind, outcome, time.Since(start))
		return out, err
	}))
}

// EnrichmentKinds lists kinds with a registered producer.
func (a *App) EnrichmentKinds() []store.ArtifactKind { return a.orch.Kinds() }

// Run drains the sync queue until ctx is cancelled. Without a remote it
// only waits.
func (a *App) Run(ctx context.Context) error {
	if a.uploader == nil {
		<-ctx.Done()
		return nil
	}
	return a.uploader.Run(ctx)
}

// Flush sends every op that is due now and returns how many were processed.
func (a *App) Flush(ctx context.Context) (int, error) {
	if a.uploader == nil {
		return 0, nil
	}
	return a.uploader.Drain(ctx)
}

// WaitEnrichments blocks until background enrichments have finished.
func (a *App) WaitEnrichments() { a.orch.Wait() }

// Close stops background enrichment, writes a final snapshot and releases
// the store. The storage handle stays open; its owner closes it.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.orch.Close()
		a.cache.persistEntities()
		a.cache.persistArtifacts()
		for _, unsub := range a.unsubs {
			unsub()
		}
		a.store.Close()
	})
}

// Metrics returns the service metrics.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Subscribe registers fn for every event. fn runs on the writer's goroutine
// and must not block.
func (a *App) Subscribe(fn func(Event)) (unsubscribe func()) {
	return a.events.add(fn)
}

// SubscribeEntity registers fn for changes to one entity.
func (a *App) SubscribeEntity(id string, fn func(store.Entity, bool)) (unsubscribe func()) {
	return a.store.Entities.Subscribe(id, func(ch store.Change[string, store.Entity]) {
		fn(ch.New.Clone(), !ch.Deleted)
	})
}

// View returns a live projection of the entities matching f.
func (a *App) View(f view.Filter) (*view.View, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return view.New(a.store, f), nil
}

// List returns the entities matching f.
func (a *App) List(f view.Filter) ([]store.Entity, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return view.Apply(a.store.Entities.Values(), f), nil
}

// Tags returns the tag index.
func (a *App) Tags() []store.Tag { return a.store.TagList() }

// Artifacts returns the artifacts attached to id.
func (a *App) Artifacts(id string) ([]store.Artifact, error) {
	if _, ok := a.store.Entity(id); !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return a.store.ArtifactsFor(id), nil
}

// EnrichmentStatus reports the generation state of (id, kind).
func (a *App) EnrichmentStatus(id string, kind store.ArtifactKind) guard.Status {
	return a.orch.Status(id, kind)
}

// RequestEnrichment starts generating kind for id in the background. It
// returns enrich.ErrBusy when a generation is already running.
func (a *App) RequestEnrichment(ctx context.Context, id string, kind store.ArtifactKind, subKey string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown artifact kind %q", ErrInvalid, kind)
	}
	err := a.orch.Request(ctx, id, kind, subKey)
	if errors.Is(err, enrich.ErrBusy) {
		a.metrics.ObserveEnrichment(kind, metrics.OutcomeBusy, 0)
	}
	return err
}

// Generate runs the producer registered for kind on the caller's goroutine
// and returns the committed artifact. It returns enrich.ErrBusy when a
// generation is already running.
func (a *App) Generate(ctx context.Context, id string, kind store.ArtifactKind, subKey string) (store.Artifact, error) {
	if !kind.Valid() {
		return store.Artifact{}, fmt.Errorf("%w: unknown artifact kind %q", ErrInvalid, kind)
	}
	res, err := a.orch.GenerateNow(ctx, id, kind, subKey)
	var perr *enrich.ProducerError
	switch {
	case errors.As(err, &perr):
		a.enrichmentFailed(id, kind, err)
		return store.Artifact{}, err
	case err != nil:
		return store.Artifact{}, err
	case res.Busy:
		a.metrics.ObserveEnrichment(kind, metrics.OutcomeBusy, 0)
		return store.Artifact{}, fmt.Errorf("%s for %s: %w", kind, id, enrich.ErrBusy)
	case res.Dropped:
		return store.Artifact{}, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return res.Artifact, nil
}

// SyncStatus is a snapshot of outbound work.
type SyncStatus struct {
	Stats       syncq.Stats `json:"stats"`
	Pending     []syncq.Op  `json:"pending"`
	Failed      []syncq.Op  `json:"failed"`
	Enrichments []guard.Key `json:"enrichments"`
}

// SyncStatus reports the queue, the failed list and running enrichments.
func (a *App) SyncStatus() SyncStatus {
	return SyncStatus{
		Stats:       a.queue.Stats(),
		Pending:     a.queue.Pending(),
		Failed:      a.queue.Failed(),
		Enrichments: a.guard.InFlight(),
	}
}

// RetryFailed moves a failed op back into the queue.
func (a *App) RetryFailed(opID string) (syncq.Outcome, error) {
	return a.queue.Retry(opID)
}

// DiscardFailed drops a failed op for good.
func (a *App) DiscardFailed(opID string) error {
	return a.queue.Discard(opID)
}

func (a *App) applyArtifact(_ context.Context, art store.Artifact) {
	patch, ok := enrich.PatchFor(art)
	if !ok {
		return
	}
	if _, err := a.Mutate(art.EntityID, patch); err != nil && !errors.Is(err, ErrDeleted) && !errors.Is(err, ErrNotFound) {
		a.logger.Error("applying artifact to entity", "entity_id", art.EntityID, "kind", art.Kind, "error", err)
	}
}

func (a *App) enrichmentFailed(id string, kind store.ArtifactKind, err error) {
	a.events.publish(Event{Type: EventEnrichmentFailed, EntityID: id, Kind: kind, Error: err.Error()})
}

func (a *App) acked(op syncq.Op) {
	if op.Kind == syncq.OpDeleteEntity {
		a.purge(op.EntityID)
	}
	a.events.publish(Event{Type: EventSynced, EntityID: op.EntityID, Op: &op})
}

func (a *App) exhausted(op syncq.Op, err error) {
	a.events.publish(Event{Type: EventSyncExhausted, EntityID: op.EntityID, Op: &op, Error: err.Error()})
}

// purge removes a tombstone once the remote confirmed the delete. An entity
// that was re-imported live in the meantime is kept.
func (a *App) purge(id string) {
	e, ok := a.store.Entity(id)
	if !ok || !e.Deleted {
		return
	}
	if err := a.store.Purge(id); err != nil {
		a.logger.Error("purging entity", "entity_id", id, "error", err)
		return
	}
	a.guard.Forget(id)
	a.cache.persistEntities()
	a.cache.persistArtifacts()
	a.logger.Debug("tombstone purged", "entity_id", id)
}

// stamp returns a modification time strictly after prev.
func (a *App) stamp(prev time.Time) time.Time {
	t := a.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}
