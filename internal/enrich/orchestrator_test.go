package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/curio/internal/guard"
	"github.com/kalambet/curio/internal/storage"
	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

type mockCache struct {
	saves atomic.Int32
}

func (m *mockCache) SaveArtifacts() error {
	m.saves.Add(1)
	return nil
}

type mockQueue struct {
	mu        sync.Mutex
	ops       []syncq.Op
	enqueueFn func(op syncq.Op) (syncq.Outcome, error)
}

func (m *mockQueue) Enqueue(op syncq.Op) (syncq.Outcome, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return syncq.OutcomeQueued, nil
}

func (m *mockQueue) Ops() []syncq.Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncq.Op(nil), m.ops...)
}

type fixture struct {
	store *store.Store
	guard *guard.Guard
	cache *mockCache
	queue *mockQueue
	orch  *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store: store.New(),
		guard: guard.New(),
		cache: &mockCache{},
		queue: &mockQueue{},
	}
	opts := Options{Store: f.store, Guard: f.guard, Cache: f.cache, Queue: f.queue}
	if mutate != nil {
		mutate(&opts)
	}
	f.orch = New(opts)
	t.Cleanup(func() {
		f.orch.Close()
		f.store.Close()
	})
	now := time.Now().UTC()
	_, err := f.store.Merge(store.Entity{ID: "a1", Kind: store.KindLink, Title: "x", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	return f
}

func constant(value string) ProduceFunc {
	return func(context.Context, store.Entity, string) (Output, error) {
		return Output{Value: value, ProducedBy: "test-model"}, nil
	}
}

func TestGenerate_CommitsArtifact(t *testing.T) {
	var applied []store.Artifact
	f := newFixture(t, func(o *Options) {
		o.OnArtifact = func(_ context.Context, a store.Artifact) { applied = append(applied, a) }
	})

	res, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "", constant("short summary"))
	require.NoError(t, err)
	assert.False(t, res.Busy)
	assert.Equal(t, store.DefaultSubKey, res.Artifact.SubKey)

	got, ok := f.store.Artifacts.Get(store.ArtifactKey{EntityID: "a1", Kind: store.ArtifactSummary, SubKey: store.DefaultSubKey})
	require.True(t, ok)
	assert.Equal(t, "short summary", got.Value)
	assert.Equal(t, "test-model", got.ProducedBy)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.Equal(t, int32(1), f.cache.saves.Load())

	ops := f.queue.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, syncq.OpUpsertArtifact, ops[0].Kind)
	assert.Equal(t, storage.NamespaceArtifacts, ops[0].Namespace)
	assert.Equal(t, "a1/summary/-", ops[0].TargetID)
	assert.Equal(t, "a1", ops[0].EntityID)

	require.Len(t, applied, 1)
	assert.Equal(t, guard.StatusIdle, f.orch.Status("a1", store.ArtifactSummary))
}

func TestGenerate_ConcurrentSecondIsBusy(t *testing.T) {
	f := newFixture(t, nil)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context, store.Entity, string) (Output, error) {
		calls.Add(1)
		close(started)
		<-release
		return Output{Value: "done"}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-", slow)
		errCh <- err
	}()
	<-started

	res, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-", slow)
	require.NoError(t, err, "busy is not an error")
	assert.True(t, res.Busy)
	assert.Equal(t, guard.StatusInFlight, f.orch.Status("a1", store.ArtifactSummary))

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_ProducerFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("model offline")

	_, err := f.orch.Generate(context.Background(), "a1", store.ArtifactTags, "-",
		func(context.Context, store.Entity, string) (Output, error) { return Output{}, boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProducerFailure)
	assert.ErrorIs(t, err, boom)
	var pe *ProducerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.ArtifactTags, pe.Kind)

	assert.Zero(t, f.store.Artifacts.Len())
	assert.Empty(t, f.queue.Ops())
	assert.Equal(t, guard.StatusFailed, f.orch.Status("a1", store.ArtifactTags))

	// The ticket was released; a retry may run.
	_, err = f.orch.Generate(context.Background(), "a1", store.ArtifactTags, "-", constant("go"))
	require.NoError(t, err)
	assert.Equal(t, guard.StatusIdle, f.orch.Status("a1", store.ArtifactTags))
}

func TestGenerate_RegenerationReplacesWholesale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Generate(ctx, "a1", store.ArtifactSummary, "-", constant("first"))
	require.NoError(t, err)
	_, err = f.orch.Generate(ctx, "a1", store.ArtifactSummary, "-",
		func(context.Context, store.Entity, string) (Output, error) { return Output{Value: "second"}, nil })
	require.NoError(t, err)

	arts := f.store.ArtifactsFor("a1")
	require.Len(t, arts, 1)
	assert.Equal(t, "second", arts[0].Value)
	assert.Empty(t, arts[0].ProducedBy)
}

func TestGenerate_UnknownOrDeletedEntity(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.Generate(context.Background(), "nope", store.ArtifactSummary, "-", constant("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	e, _ := f.store.Entity("a1")
	e.Deleted = true
	e.UpdatedAt = e.UpdatedAt.Add(time.Second)
	_, _ = f.store.Merge(e)

	_, err = f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-", constant("x"))
	assert.ErrorIs(t, err, store.ErrDeleted)
}

func TestGenerate_DeleteDuringGenerationDiscardsSync(t *testing.T) {
	q := syncq.NewQueue(syncq.Options{})
	f := newFixture(t, func(o *Options) { o.Queue = q })

	started := make(chan struct{})
	release := make(chan struct{})
	produce := func(context.Context, store.Entity, string) (Output, error) {
		close(started)
		<-release
		return Output{Value: "summary text"}, nil
	}

	resCh := make(chan Result, 1)
	go func() {
		res, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-", produce)
		assert.NoError(t, err)
		resCh <- res
	}()
	<-started

	// deleteEntity: tombstone, then enqueue the delete.
	e, _ := f.store.Entity("a1")
	e.Deleted = true
	e.UpdatedAt = e.UpdatedAt.Add(time.Second)
	_, err := f.store.Merge(e)
	require.NoError(t, err)
	_, err = q.Enqueue(syncq.Op{Kind: syncq.OpDeleteEntity, Namespace: storage.NamespaceEntities, TargetID: "a1", EntityID: "a1"})
	require.NoError(t, err)

	close(release)
	res := <-resCh
	assert.False(t, res.Dropped)

	_, ok := f.store.Artifacts.Get(res.Artifact.Key())
	assert.True(t, ok, "the enrichment still lands in the store")

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, syncq.OpDeleteEntity, pending[0].Kind)
}

func TestGenerate_PurgedDuringGenerationIsDropped(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-",
		func(context.Context, store.Entity, string) (Output, error) {
			require.NoError(t, f.store.Purge("a1"))
			return Output{Value: "late"}, nil
		})
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Zero(t, f.store.Artifacts.Len())
	assert.Empty(t, f.queue.Ops())
}

func TestGenerate_QueueFullRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Generate(ctx, "a1", store.ArtifactSummary, "-", constant("kept"))
	require.NoError(t, err)

	f.queue.enqueueFn = func(syncq.Op) (syncq.Outcome, error) { return "", syncq.ErrQueueFull }
	_, err = f.orch.Generate(ctx, "a1", store.ArtifactSummary, "-",
		func(context.Context, store.Entity, string) (Output, error) { return Output{Value: "rejected"}, nil })
	assert.ErrorIs(t, err, syncq.ErrQueueFull)

	arts := f.store.ArtifactsFor("a1")
	require.Len(t, arts, 1)
	assert.Equal(t, "kept", arts[0].Value)
}

func TestGenerate_Timeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Timeout = 10 * time.Millisecond })

	_, err := f.orch.Generate(context.Background(), "a1", store.ArtifactSummary, "-",
		func(ctx context.Context, _ store.Entity, _ string) (Output, error) {
			<-ctx.Done()
			return Output{}, ctx.Err()
		})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrProducerFailure)
}

func TestRequest_BackgroundAndBusy(t *testing.T) {
	var failures atomic.Int32
	f := newFixture(t, func(o *Options) {
		o.OnFailure = func(string, store.ArtifactKind, error) { failures.Add(1) }
	})

	var calls atomic.Int32
	release := make(chan struct{})
	f.orch.Register(store.ArtifactSummary, ProduceFunc(func(context.Context, store.Entity, string) (Output, error) {
		calls.Add(1)
		<-release
		return Output{Value: "bg"}, nil
	}))

	ctx := context.Background()
	require.NoError(t, f.orch.Request(ctx, "a1", store.ArtifactSummary, "-"))
	assert.ErrorIs(t, f.orch.Request(ctx, "a1", store.ArtifactSummary, "-"), ErrBusy)

	close(release)
	f.orch.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, failures.Load())
	assert.Len(t, f.store.ArtifactsFor("a1"), 1)
	assert.Equal(t, guard.StatusIdle, f.orch.Status("a1", store.ArtifactSummary))
}

func TestRequest_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.orch.Request(ctx, "a1", store.ArtifactTranscript, "-"), ErrNoProducer)

	f.orch.Register(store.ArtifactTags, ProduceFunc(constant("go")))
	assert.ErrorIs(t, f.orch.Request(ctx, "missing", store.ArtifactTags, "-"), store.ErrNotFound)
	assert.Equal(t, []store.ArtifactKind{store.ArtifactTags}, f.orch.Kinds())
}

func TestRequest_FailureReported(t *testing.T) {
	var got error
	var mu sync.Mutex
	f := newFixture(t, func(o *Options) {
		o.OnFailure = func(_ string, _ store.ArtifactKind, err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		}
	})
	f.orch.Register(store.ArtifactTags, ProduceFunc(func(context.Context, store.Entity, string) (Output, error) {
		return Output{}, errors.New("no model")
	}))

	require.NoError(t, f.orch.Request(context.Background(), "a1", store.ArtifactTags, "-"))
	f.orch.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got, ErrProducerFailure)
	assert.Equal(t, guard.StatusFailed, f.orch.Status("a1", store.ArtifactTags))
}

func TestRequest_AfterClose(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.Register(store.ArtifactTags, ProduceFunc(constant("go")))
	f.orch.Close()

	assert.ErrorIs(t, f.orch.Request(context.Background(), "a1", store.ArtifactTags, "-"), ErrClosed)
}
