// Package enrich runs artifact generation: one producer call per
// (entity, kind) at a time, with results written to the store, the local
// cache, and the sync queue.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/curio/internal/guard"
	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

// ErrClosed is returned by Request after Close.
var ErrClosed = errors.New("orchestrator closed")

// Cache writes the artifact collection through to durable storage.
type Cache interface {
	SaveArtifacts() error
}

// Queue accepts sync operations.
type Queue interface {
	Enqueue(op syncq.Op) (syncq.Outcome, error)
}

// Options configure an Orchestrator. Store, Guard and Queue are required.
type Options struct {
	Store *store.Store
	Guard *guard.Guard
	Cache Cache
	Queue Queue

	// Workers bounds concurrent background generations. Defaults to 2.
	Workers int
	// Timeout bounds one producer call; zero leaves it to the producer.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time

	// OnArtifact runs after an artifact was committed for a live entity.
	OnArtifact func(ctx context.Context, a store.Artifact)
	// OnFailure runs when a background request fails.
	OnFailure func(entityID string, kind store.ArtifactKind, err error)
}

// Result is the outcome of Generate.
type Result struct {
	Artifact store.Artifact
	// Busy reports that another generation held the ticket; nothing ran.
	Busy bool
	// Dropped reports that the entity was purged while the producer ran.
	Dropped bool
}

// Orchestrator drives generation for every artifact kind.
type Orchestrator struct {
	store  *store.Store
	guard  *guard.Guard
	cache  Cache
	queue  Queue
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted

	mu        sync.RWMutex
	producers map[store.ArtifactKind]Producer
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Call Close to stop background work.
func New(opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     opts.Store,
		guard:     opts.Guard,
		cache:     opts.Cache,
		queue:     opts.Queue,
		opts:      opts,
		logger:    logger,
		now:       now,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		producers: make(map[store.ArtifactKind]Producer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register sets the producer used by Request for kind.
func (o *Orchestrator) Register(kind store.ArtifactKind, p Producer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[kind] = p
}

// Kinds lists the artifact kinds with a registered producer.
func (o *Orchestrator) Kinds() []store.ArtifactKind {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []store.ArtifactKind
	for _, k := range store.ArtifactKinds {
		if _, ok := o.producers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (o *Orchestrator) producer(kind store.ArtifactKind) Producer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.producers[kind]
}

// Status reports the generation state of (entityID, kind).
func (o *Orchestrator) Status(entityID string, kind store.ArtifactKind) guard.Status {
	return o.guard.Status(entityID, kind)
}

// Generate runs produce for (entityID, kind, subKey) and commits the result:
//  1. take the generation ticket, or return Result.Busy without calling produce
//  2. call produce
//  3. on success replace the artifact in the store, persist it, and enqueue
//     an upsert_artifact op
//  4. on failure leave the store untouched and return a *ProducerError
//  5. release the ticket in every case
func (o *Orchestrator) Generate(ctx context.Context, entityID string, kind store.ArtifactKind, subKey string, produce ProduceFunc) (res Result, err error) {
	if !o.guard.TryAcquire(entityID, kind) {
		return Result{Busy: true}, nil
	}
	defer func() { o.guard.Release(entityID, kind, err) }()

	return o.run(ctx, entityID, kind, subKey, produce)
}

// GenerateNow is Generate with the producer registered for kind.
func (o *Orchestrator) GenerateNow(ctx context.Context, entityID string, kind store.ArtifactKind, subKey string) (Result, error) {
	p := o.producer(kind)
	if p == nil {
		return Result{}, fmt.Errorf("%s: %w", kind, ErrNoProducer)
	}
	return o.Generate(ctx, entityID, kind, subKey, p.Produce)
}

// Request starts a background generation with the producer registered for
// kind and returns immediately. It returns ErrBusy when a generation for
// (entityID, kind) is already running. Progress is observable through the
// store subscriptions and Status.
func (o *Orchestrator) Request(ctx context.Context, entityID string, kind store.ArtifactKind, subKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := o.producer(kind)
	if p == nil {
		return fmt.Errorf("%s: %w", kind, ErrNoProducer)
	}
	e, ok := o.store.Entity(entityID)
	if !ok {
		return fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
	}
	if e.Deleted {
		return fmt.Errorf("entity %s: %w", entityID, store.ErrDeleted)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	if !o.guard.TryAcquire(entityID, kind) {
		return ErrBusy
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		var err error
		defer func() { o.guard.Release(entityID, kind, err) }()

		if err = o.sem.Acquire(o.ctx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)

		_, err = o.run(o.ctx, entityID, kind, subKey, p.Produce)
		if err != nil {
			o.logger.Warn("enrichment failed", "entity_id", entityID, "kind", kind, "error", err)
			if o.opts.OnFailure != nil {
				o.opts.OnFailure(entityID, kind, err)
			}
		}
	}()
	return nil
}

// Wait blocks until every background request has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close rejects new requests, cancels running producers, and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, entityID string, kind store.ArtifactKind, subKey string, produce ProduceFunc) (Result, error) {
	if subKey == "" {
		subKey = store.DefaultSubKey
	}
	e, ok := o.store.Entity(entityID)
	if !ok {
		return Result{}, fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
	}
	if e.Deleted {
		return Result{}, fmt.Errorf("entity %s: %w", entityID, store.ErrDeleted)
	}

	pctx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	start := o.now()
	out, err := produce(pctx, e, subKey)
	if err != nil {
		return Result{}, &ProducerError{EntityID: entityID, Kind: kind, SubKey: subKey, Err: err}
	}
	o.logger.Debug("artifact produced", "entity_id", entityID, "kind", kind, "sub_key", subKey,
		"produced_by", out.ProducedBy, "duration_ms", o.now().Sub(start).Milliseconds())

	now := o.now().UTC()
	a := store.Artifact{
		EntityID:   entityID,
		Kind:       kind,
		SubKey:     subKey,
		Value:      out.Value,
		ProducedBy: out.ProducedBy,
		FetchedAt:  now,
		UpdatedAt:  now,
	}
	return o.commit(ctx, a)
}

func (o *Orchestrator) commit(ctx context.Context, a store.Artifact) (Result, error) {
	owner, ok := o.store.Entity(a.EntityID)
	if !ok {
		o.logger.Warn("dropping artifact for purged entity", "entity_id", a.EntityID, "kind", a.Kind)
		return Result{Artifact: a, Dropped: true}, nil
	}

	ch, err := o.store.Artifacts.Set(a.Key(), a)
	if err != nil {
		return Result{}, fmt.Errorf("storing artifact: %w", err)
	}
	o.persist()

	if owner.Deleted {
		// The pending delete_entity would discard the op anyway.
		o.logger.Debug("entity deleted during generation, not syncing artifact", "entity_id", a.EntityID, "kind", a.Kind)
		return Result{Artifact: a}, nil
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return Result{}, fmt.Errorf("encoding artifact: %w", err)
	}
	op := syncq.Op{
		Kind:      syncq.OpUpsertArtifact,
		Namespace: storage.NamespaceArtifacts,
		TargetID:  a.Key().String(),
		EntityID:  a.EntityID,
		Payload:   payload,
	}
	if _, err := o.queue.Enqueue(op); err != nil {
		if errors.Is(err, syncq.ErrQueueFull) {
			reverted, rerr := o.store.Artifacts.Revert(ch)
			if rerr != nil {
				o.logger.Error("rolling back artifact", "entity_id", a.EntityID, "error", rerr)
			}
			if reverted {
				o.persist()
			}
		}
		return Result{}, fmt.Errorf("enqueueing artifact sync: %w", err)
	}

	if o.opts.OnArtifact != nil {
		o.opts.OnArtifact(ctx, a)
	}
	return Result{Artifact: a}, nil
}

func (o *Orchestrator) persist() {
	if o.cache == nil {
		return
	}
	if err := o.cache.SaveArtifacts(); err != nil {
		o.logger.Error("persisting artifacts", "error", err)
	}
}
