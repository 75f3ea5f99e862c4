package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteCall struct {
	Method    string
	Namespace string
	ID        string
}

type mockRemote struct {
	mu       sync.Mutex
	calls    []remoteCall
	upsertFn func(ctx context.Context, namespace, id string, payload json.RawMessage) error
	deleteFn func(ctx context.Context, namespace, id string) error
}

func (m *mockRemote) Upsert(ctx context.Context, namespace, id string, payload json.RawMessage) error {
	m.record("upsert", namespace, id)
	if m.upsertFn != nil {
		return m.upsertFn(ctx, namespace, id, payload)
	}
	return nil
}

func (m *mockRemote) Delete(ctx context.Context, namespace, id string) error {
	m.record("delete", namespace, id)
	if m.deleteFn != nil {
		return m.deleteFn(ctx, namespace, id)
	}
	return nil
}

func (m *mockRemote) record(method, namespace, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remoteCall{Method: method, Namespace: namespace, ID: id})
}

func (m *mockRemote) Calls() []remoteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remoteCall(nil), m.calls...)
}

func TestUploader_DrainAcksAndCallsHook(t *testing.T) {
	q := NewQueue(Options{})
	remote := &mockRemote{}

	var acked []Op
	u := NewUploader(q, remote, UploaderOptions{OnAck: func(op Op) { acked = append(acked, op) }})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, _ = q.Enqueue(upsertArtifact("b2", "summary"))
	_, _ = q.Enqueue(deleteEntity("c3"))

	n, err := u.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []remoteCall{
		{Method: "upsert", Namespace: "entities", ID: "a1"},
		{Method: "upsert", Namespace: "artifacts", ID: "b2/summary/-"},
		{Method: "delete", Namespace: "entities", ID: "c3"},
	}, remote.Calls())
	require.Len(t, acked, 3)
	assert.Equal(t, OpDeleteEntity, acked[2].Kind)
	assert.Empty(t, q.Pending())
}

func TestUploader_FailureSchedulesRetry(t *testing.T) {
	q := NewQueue(Options{Backoff: Backoff{Base: time.Hour, Max: time.Hour}})
	remote := &mockRemote{
		upsertFn: func(context.Context, string, string, json.RawMessage) error {
			return errors.New("503 service unavailable")
		},
	}
	u := NewUploader(q, remote, UploaderOptions{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))

	done, err := u.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Contains(t, ops[0].LastError, "503")
	assert.True(t, ops[0].RunAfter.After(time.Now()))

	done, err = u.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, done, "op is backing off")
}

func TestUploader_IdleWaitFollowsNextRetry(t *testing.T) {
	q, clock := newTestQueue(t, Options{Backoff: Backoff{Base: 3 * time.Second, Max: time.Minute}})
	u := NewUploader(q, &mockRemote{}, UploaderOptions{PollInterval: time.Hour})

	assert.Equal(t, time.Hour, u.idleWait(clock.Now()), "empty queue polls at the interval")

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	op, ok := q.Claim(clock.Now())
	require.True(t, ok)
	_, _, err := q.Fail(op.ID, errors.New("remote down"))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, u.idleWait(clock.Now()), "sleep only until the retry is due")
	clock.Advance(5 * time.Second)
	assert.Equal(t, minIdleWait, u.idleWait(clock.Now()), "an overdue op is rechecked promptly")
}

func TestUploader_ExhaustedHook(t *testing.T) {
	q := NewQueue(Options{MaxAttempts: 1})
	remote := &mockRemote{
		deleteFn: func(context.Context, string, string) error { return errors.New("gone wrong") },
	}

	var gotOp Op
	var gotErr error
	u := NewUploader(q, remote, UploaderOptions{OnExhausted: func(op Op, err error) {
		gotOp, gotErr = op, err
	}})

	_, _ = q.Enqueue(deleteEntity("a1"))
	_, err := u.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "a1", gotOp.TargetID)
	assert.ErrorIs(t, gotErr, ErrSyncExhausted)
	var se *SyncError
	require.ErrorAs(t, gotErr, &se)
	assert.Equal(t, 1, se.Attempt)
	assert.Len(t, q.Failed(), 1)
}

func TestUploader_TimeoutCountsAsFailure(t *testing.T) {
	q := NewQueue(Options{Backoff: Backoff{Base: time.Hour, Max: time.Hour}})
	remote := &mockRemote{
		upsertFn: func(ctx context.Context, _, _ string, _ json.RawMessage) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	u := NewUploader(q, remote, UploaderOptions{Timeout: 10 * time.Millisecond})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, err := u.RunOnce(context.Background())
	require.NoError(t, err)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
}

func TestUploader_ShutdownRequeuesWithoutAttempt(t *testing.T) {
	q := NewQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	remote := &mockRemote{
		upsertFn: func(ctx context.Context, _, _ string, _ json.RawMessage) error {
			cancel()
			return ctx.Err()
		},
	}
	u := NewUploader(q, remote, UploaderOptions{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))
	_, err := u.RunOnce(ctx)
	require.NoError(t, err)

	ops := q.Pending()
	require.Len(t, ops, 1)
	assert.Zero(t, ops[0].Attempts)
}

func TestUploader_RunDrainsUntilCancelled(t *testing.T) {
	q := NewQueue(Options{})
	remote := &mockRemote{}

	acked := make(chan Op, 10)
	u := NewUploader(q, remote, UploaderOptions{
		Workers:      3,
		PollInterval: 5 * time.Millisecond,
		OnAck:        func(op Op) { acked <- op },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- u.Run(ctx) }()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(upsertEntity(id, "x"))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case op := <-acked:
			seen[op.TargetID] = true
		case <-deadline:
			t.Fatalf("timed out, acked %v", seen)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUploader_SameKeyNeverConcurrent(t *testing.T) {
	q := NewQueue(Options{})

	var mu sync.Mutex
	active := map[string]int{}
	overlap := false
	release := make(chan struct{})
	remote := &mockRemote{
		upsertFn: func(_ context.Context, _, id string, _ json.RawMessage) error {
			mu.Lock()
			active[id]++
			if active[id] > 1 {
				overlap = true
			}
			mu.Unlock()
			<-release
			mu.Lock()
			active[id]--
			mu.Unlock()
			return nil
		},
	}
	u := NewUploader(q, remote, UploaderOptions{})

	_, _ = q.Enqueue(upsertEntity("a1", "x"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = u.RunOnce(context.Background())
	}()

	require.Eventually(t, func() bool { return len(remote.Calls()) == 1 }, time.Second, time.Millisecond)
	_, _ = q.Enqueue(upsertEntity("a1", "y"))

	done, err := u.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, done, "a1 is still in flight")

	close(release)
	wg.Wait()

	n, err := u.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, overlap)
}
