package syncq

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/curio/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	clock := newClock()
	opts.Now = clock.Now
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{Base: time.Second, Max: time.Minute}
	}
	return NewQueue(opts), clock
}

func upsertEntity(id, title string) Op {
	return Op{
		Kind:      OpUpsertEntity,
		Namespace: storage.NamespaceEntities,
		TargetID:  id,
		EntityID:  id,
		Payload:   json.RawMessage(`{"id":"` + id + `","title":"` + title + `"}`),
	}
}

func deleteEntity(id string) Op {
	return Op{Kind: OpDeleteEntity, Namespace: storage.NamespaceEntities, TargetID: id, EntityID: id}
}

func upsertArtifact(entityID, kind string) Op {
	return Op{
		Kind:      OpUpsertArtifact,
		Namespace: storage.NamespaceArtifacts,
		TargetID:  entityID + "/" + kind + "/-",
		EntityID:  entityID,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestQueue_UpsertCoalescesToLatest(t *testing.T) {
	q, clock := newTestQueue(t, Options{})

	out, err := q.Enqueue(upsertEntity("a1", "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)

	clock.Advance(time.Second)
	out, err = q.Enqueue(upsertEntity("a1", "y"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, out)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"id":"a1","title":"y"}`, string(ops[0].Payload))
	assert.Equal(t, newClock().Now(), ops[0].EnqueuedAt, "replacement keeps its place in line")
}

func TestQueue_DeleteSupersedesUpsert(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, err := q.Enqueue(upsertEntity("a1", "x"))
	require.NoError(t, err)
	out, err := q.Enqueue(deleteEntity("a1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, out)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Equal(t, OpDeleteEntity, ops[0].Kind)
}

func TestQueue_DeleteEntityDiscardsArtifactUpserts(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, _ = q.Enqueue(upsertArtifact("a1", "summary"))
	_, _ = q.Enqueue(upsertArtifact("a1", "tags"))
	_, _ = q.Enqueue(upsertArtifact("b2", "tags"))

	_, err := q.Enqueue(deleteEntity("a1"))
	require.NoError(t, err)

	ops := q.Pending()
	require.Len(t, ops, 2)
	assert.Equal(t, OpDeleteEntity, ops[0].Kind)
	assert.Equal(t, "b2", ops[1].EntityID)

	// Upserts for a1 arriving after the delete are discarded.
	out, err := q.Enqueue(upsertArtifact("a1", "summary"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, out)
	assert.Len(t, q.Pending(), 2)

	st := q.Stats()
	assert.Equal(t, uint64(3), st.Discarded)
}

func TestQueue_DeleteEntityInFlightStillDiscardsUpserts(t *testing.T) {
	q, clock := newTestQueue(t, Options{})

	_, _ = q.Enqueue(deleteEntity("a1"))
	_, ok := q.Claim(clock.Now())
	require.True(t, ok)

	out, err := q.Enqueue(upsertArtifact("a1", "summary"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, out)
}

func TestQueue_DeleteArtifactKeptOnEntityDelete(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	del := upsertArtifact("a1", "summary")
	del.Kind = OpDeleteArtifact
	del.Payload = nil
	_, _ = q.Enqueue(del)
	_, _ = q.Enqueue(deleteEntity("a1"))

	assert.Len(t, q.Pending(), 2)
}

func TestQueue_CapacityRejectsNewKeysOnly(t *testing.T) {
	q, _ := newTestQueue(t, Options{Capacity: 2})

	_, err := q.Enqueue(upsertEntity("a", "1"))
	require.NoError(t, err)
	_, err = q.Enqueue(upsertEntity("b", "1"))
	require.NoError(t, err)

	_, err = q.Enqueue(upsertEntity("c", "1"))
	assert.ErrorIs(t, err, ErrQueueFull)

	out, err := q.Enqueue(upsertEntity("a", "2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, out)
}

func TestQueue_ClaimSkipsKeysInFlight(t *testing.T) {
	q, clock := newTestQueue(t, Options{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	first, ok := q.Claim(clock.Now())
	require.True(t, ok)

	clock.Advance(time.Second)
	_, _ = q.Enqueue(upsertEntity("a1", "y"))
	_, _ = q.Enqueue(upsertEntity("b2", "z"))

	next, ok := q.Claim(clock.Now())
	require.True(t, ok)
	assert.Equal(t, "b2", next.TargetID, "a1 is busy")

	_, ok = q.Claim(clock.Now())
	assert.False(t, ok)

	require.NoError(t, q.Ack(first.ID))
	again, ok := q.Claim(clock.Now())
	require.True(t, ok)
	assert.Equal(t, "a1", again.TargetID)
	assert.JSONEq(t, `{"id":"a1","title":"y"}`, string(again.Payload))
}

func TestQueue_FailBacksOffThenExhausts(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 3})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	boom := errors.New("remote down")

	for attempt := 1; attempt <= 2; attempt++ {
		op, ok := q.Claim(clock.Now())
		require.True(t, ok, "attempt %d", attempt)

		failed, disp, err := q.Fail(op.ID, boom)
		require.NoError(t, err)
		assert.Equal(t, DispositionRetry, disp)
		assert.Equal(t, attempt, failed.Attempts)
		assert.Equal(t, "remote down", failed.LastError)

		_, ok = q.Claim(clock.Now())
		assert.False(t, ok, "not due before backoff elapses")
		clock.Advance(time.Minute)
	}

	op, ok := q.Claim(clock.Now())
	require.True(t, ok)
	failed, disp, err := q.Fail(op.ID, boom)
	require.NoError(t, err)
	assert.Equal(t, DispositionExhausted, disp)
	assert.Equal(t, 3, failed.Attempts)

	clock.Advance(time.Hour)
	_, ok = q.Claim(clock.Now())
	assert.False(t, ok, "exhausted ops are not retried automatically")
	assert.Empty(t, q.Pending())
	require.Len(t, q.Failed(), 1)
	assert.Equal(t, uint64(1), q.Stats().Exhausted)
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 5})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	op, _ := q.Claim(clock.Now())

	_, disp, err := q.Fail(op.ID, Permanent(errors.New("400 bad payload")))
	require.NoError(t, err)
	assert.Equal(t, DispositionExhausted, disp)
	assert.Len(t, q.Failed(), 1)
}

func TestQueue_FailSupersededByNewerOp(t *testing.T) {
	q, clock := newTestQueue(t, Options{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	op, _ := q.Claim(clock.Now())
	_, _ = q.Enqueue(upsertEntity("a1", "y"))

	_, disp, err := q.Fail(op.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, DispositionSuperseded, disp)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Attempts)
}

func TestQueue_RetryAndDiscard(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 1})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, _ = q.Enqueue(upsertEntity("b2", "x"))
	for i := 0; i < 2; i++ {
		op, ok := q.Claim(clock.Now())
		require.True(t, ok)
		_, _, err := q.Fail(op.ID, errors.New("boom"))
		require.NoError(t, err)
	}
	failed := q.Failed()
	require.Len(t, failed, 2)

	out, err := q.Retry(failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Attempts)
	assert.Empty(t, ops[0].LastError)

	require.NoError(t, q.Discard(failed[1].ID))
	assert.Empty(t, q.Failed())

	_, err = q.Retry("nope")
	assert.ErrorIs(t, err, ErrUnknownOp)
	assert.ErrorIs(t, q.Discard("nope"), ErrUnknownOp)
}

func TestQueue_NewOpClearsStaleFailure(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 1})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	op, _ := q.Claim(clock.Now())
	_, _, _ = q.Fail(op.ID, errors.New("boom"))
	require.Len(t, q.Failed(), 1)

	_, err := q.Enqueue(upsertEntity("a1", "y"))
	require.NoError(t, err)
	assert.Empty(t, q.Failed())
}

func TestQueue_RestartRestoresPendingAndFailed(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.Open(dir)
	require.NoError(t, err)
	q, clock := newTestQueue(t, Options{Store: db, MaxAttempts: 1})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, _ = q.Enqueue(upsertEntity("b2", "x"))
	_, _ = q.Enqueue(upsertEntity("c3", "x"))

	// a1 is in flight at "crash" time; b2 is exhausted.
	inflight, _ := q.Claim(clock.Now())
	require.Equal(t, "a1", inflight.TargetID)
	b2, _ := q.Claim(clock.Now())
	_, _, _ = q.Fail(b2.ID, errors.New("boom"))
	require.NoError(t, db.Close())

	db2, err := storage.Open(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, _ := newTestQueue(t, Options{Store: db2})
	require.NoError(t, restored.Load())

	pending := restored.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a1", pending[0].TargetID)
	assert.Equal(t, "c3", pending[1].TargetID)

	failed := restored.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b2", failed[0].TargetID)

	select {
	case <-restored.Ready():
	default:
		t.Fatal("loaded queue with pending ops should signal readiness")
	}
}

func TestQueue_LoadKeepsNewestPerKey(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	older := upsertEntity("a1", "old")
	older.ID = "op-1"
	older.EnqueuedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := upsertEntity("a1", "new")
	newer.ID = "op-2"
	newer.EnqueuedAt = older.EnqueuedAt.Add(time.Minute)
	require.NoError(t, storage.SaveJSON(db, storage.NamespaceSyncQueue, []Op{newer, older}))

	q, _ := newTestQueue(t, Options{Store: db})
	require.NoError(t, q.Load())

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Equal(t, "op-2", ops[0].ID)
}

func TestQueue_RequeueDoesNotCountAttempt(t *testing.T) {
	q, clock := newTestQueue(t, Options{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	op, _ := q.Claim(clock.Now())
	require.NoError(t, q.Requeue(op.ID))

	again, ok := q.Claim(clock.Now())
	require.True(t, ok)
	assert.Equal(t, op.ID, again.ID)
	assert.Zero(t, again.Attempts)
}

func TestQueue_Stats(t *testing.T) {
	q, clock := newTestQueue(t, Options{Capacity: 10})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, _ = q.Enqueue(upsertEntity("a1", "y"))
	_, _ = q.Enqueue(upsertEntity("b2", "x"))
	op, _ := q.Claim(clock.Now())
	require.NoError(t, q.Ack(op.ID))

	st := q.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 10, st.Capacity)
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(1), st.Coalesced)
	assert.Equal(t, uint64(1), st.Acked)
}

func TestSyncError(t *testing.T) {
	cause := errors.New("503")
	err := error(&SyncError{OpID: "op", Kind: OpUpsertEntity, Attempt: 5, Exhausted: true, Err: cause})
	assert.ErrorIs(t, err, ErrSyncExhausted)
	assert.ErrorIs(t, err, cause)

	retrying := error(&SyncError{OpID: "op", Kind: OpUpsertEntity, Attempt: 1, Err: cause})
	assert.NotErrorIs(t, retrying, ErrSyncExhausted)
}
