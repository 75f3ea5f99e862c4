// Package syncq is the durable outbound queue of remote operations and the
// uploader that drains it.
package syncq

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/curio/internal/storage"
)

// Options configure a Queue.
type Options struct {
	// Capacity bounds the number of distinct queued keys. Defaults to 1024.
	Capacity int
	// MaxAttempts is the retry budget before an op moves to the failed list. Defaults to 5.
	MaxAttempts int
	Backoff     Backoff
	// Store persists the queue and failed list; nil keeps them in memory only.
	Store  *storage.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// Queue coalesces ops per key and hands them to uploaders. Every mutation is
// written through to the sync_queue and sync_failed namespaces.
type Queue struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  []*Op
	byKey    map[string]*Op
	inFlight map[string]*Op
	failed   []Op
	stats    Stats

	ready chan struct{}
}

// NewQueue returns an empty queue. Call Load to restore persisted state.
func NewQueue(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		opts:     opts,
		logger:   logger,
		now:      now,
		byKey:    make(map[string]*Op),
		inFlight: make(map[string]*Op),
		ready:    make(chan struct{}, 1),
	}
}

// Ready is signalled whenever new work may be claimable.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Load restores the queue and failed list from the store. Ops that were in
// flight when the process stopped are pending again. When the snapshot holds
// several ops for one key only the newest survives.
func (q *Queue) Load() error {
	if q.opts.Store == nil {
		return nil
	}
	ops, err := storage.LoadJSON[Op](q.opts.Store, storage.NamespaceSyncQueue)
	if err != nil {
		return fmt.Errorf("loading sync queue: %w", err)
	}
	failed, err := storage.LoadJSON[Op](q.opts.Store, storage.NamespaceSyncFailed)
	if err != nil {
		return fmt.Errorf("loading failed sync ops: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt) })
	q.pending = q.pending[:0]
	clear(q.byKey)
	clear(q.inFlight)
	dropped := 0
	for i := range ops {
		op := ops[i]
		if prev, ok := q.byKey[op.Key()]; ok {
			q.removePendingLocked(prev.ID)
			dropped++
		}
		q.pending = append(q.pending, &op)
		q.byKey[op.Key()] = &op
	}
	q.failed = failed

	if dropped > 0 {
		q.saveLocked()
	}
	if len(q.pending) > 0 {
		q.signal()
	}
	q.logger.Debug("sync queue loaded", "pending", len(q.pending), "failed", len(q.failed), "dropped", dropped)
	return nil
}

// Enqueue adds op, coalescing it with queued work for the same key:
//   - a later op for a key replaces the queued one (a delete replaces upserts);
//   - a delete_entity also discards queued upsert_artifact ops of that entity;
//   - upserts for an entity whose delete is queued or running are discarded.
//
// Enqueue returns ErrQueueFull only when op needs a new slot.
func (q *Queue) Enqueue(op Op) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	outcome, err := q.enqueueLocked(op)
	if err != nil {
		return "", err
	}
	q.saveLocked()
	if outcome != OutcomeDiscarded {
		q.signal()
	}
	return outcome, nil
}

func (q *Queue) enqueueLocked(op Op) (Outcome, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now().UTC()
	}
	key := op.Key()

	if !op.Kind.IsDelete() && op.EntityID != "" && q.entityDeleteQueuedLocked(op.EntityID) {
		q.stats.Discarded++
		q.logger.Debug("sync op discarded, entity delete pending", "op_id", op.ID, "key", key)
		return OutcomeDiscarded, nil
	}

	outcome := OutcomeQueued
	if prev, ok := q.byKey[key]; ok {
		// The replacement keeps the superseded op's place in line.
		op.EnqueuedAt = prev.EnqueuedAt
		*prev = op
		q.byKey[key] = prev
		q.stats.Coalesced++
		outcome = OutcomeCoalesced
	} else {
		if len(q.pending)+len(q.inFlight) >= q.opts.Capacity {
			return "", ErrQueueFull
		}
		stored := op
		q.insertPendingLocked(&stored)
		q.byKey[key] = &stored
		q.stats.Enqueued++
	}

	q.dropFailedLocked(func(f Op) bool { return f.Key() == key })

	if op.Kind == OpDeleteEntity {
		for _, p := range slices.Clone(q.pending) {
			if p.EntityID == op.EntityID && p.Kind == OpUpsertArtifact {
				q.removePendingLocked(p.ID)
				q.stats.Discarded++
			}
		}
		q.dropFailedLocked(func(f Op) bool { return f.EntityID == op.EntityID && f.Kind == OpUpsertArtifact })
	}
	return outcome, nil
}

func (q *Queue) entityDeleteQueuedLocked(entityID string) bool {
	k := entityKey(entityID)
	if p, ok := q.byKey[k]; ok && p.Kind == OpDeleteEntity {
		return true
	}
	if p, ok := q.inFlight[k]; ok && p.Kind == OpDeleteEntity {
		return true
	}
	return false
}

// Claim hands out the oldest op that is due at now and whose key has no op
// in flight. The op stays owned by the queue until Ack or Fail.
func (q *Queue) Claim(now time.Time) (Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.pending {
		if p.RunAfter.After(now) {
			continue
		}
		key := p.Key()
		if _, busy := q.inFlight[key]; busy {
			continue
		}
		q.removePendingLocked(p.ID)
		q.inFlight[key] = p
		return *p, true
	}
	return Op{}, false
}

// NextDue returns the earliest RunAfter among pending ops, or false when the
// queue is empty.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, p := range q.pending {
		if next.IsZero() || p.RunAfter.Before(next) {
			next = p.RunAfter
		}
	}
	return next, len(q.pending) > 0
}

// Ack removes an in-flight op after the remote confirmed it.
func (q *Queue) Ack(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.takeInFlightLocked(opID)
	if !ok {
		return fmt.Errorf("ack %s: %w", opID, ErrUnknownOp)
	}
	q.stats.Acked++
	q.saveLocked()
	// A newer op for the same key may have been waiting on this one.
	if _, waiting := q.byKey[op.Key()]; waiting {
		q.signal()
	}
	return nil
}

// Fail records a failed attempt for an in-flight op. The op is retried after
// a backoff delay, moved to the failed list once MaxAttempts is reached (or
// immediately for ErrPermanent causes), or dropped when a newer op for the
// same key was enqueued meanwhile.
func (q *Queue) Fail(opID string, cause error) (Op, Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.takeInFlightLocked(opID)
	if !ok {
		return Op{}, "", fmt.Errorf("fail %s: %w", opID, ErrUnknownOp)
	}
	op.Attempts++
	if cause != nil {
		op.LastError = cause.Error()
	}

	if _, newer := q.byKey[op.Key()]; newer || (!op.Kind.IsDelete() && q.entityDeleteQueuedLocked(op.EntityID)) {
		q.saveLocked()
		q.signal()
		return *op, DispositionSuperseded, nil
	}

	if op.Attempts >= q.opts.MaxAttempts || isPermanent(cause) {
		op.RunAfter = time.Time{}
		q.failed = append(q.failed, *op)
		q.stats.Exhausted++
		q.saveLocked()
		return *op, DispositionExhausted, nil
	}

	op.RunAfter = q.now().Add(q.opts.Backoff.Delay(op.Attempts))
	q.insertPendingLocked(op)
	q.byKey[op.Key()] = op
	q.saveLocked()
	return *op, DispositionRetry, nil
}

// Requeue returns an in-flight op to the queue without counting an attempt.
// The uploader uses it when shutdown interrupts a remote call.
func (q *Queue) Requeue(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.takeInFlightLocked(opID)
	if !ok {
		return fmt.Errorf("requeue %s: %w", opID, ErrUnknownOp)
	}
	if _, newer := q.byKey[op.Key()]; !newer {
		q.insertPendingLocked(op)
		q.byKey[op.Key()] = op
	}
	q.signal()
	return nil
}

// Retry moves a failed op back into the queue with a fresh retry budget. A
// failed op that newer work already supersedes is dropped instead.
func (q *Queue) Retry(opID string) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.IndexFunc(q.failed, func(f Op) bool { return f.ID == opID })
	if i < 0 {
		return "", fmt.Errorf("retry %s: %w", opID, ErrUnknownOp)
	}
	op := q.failed[i]

	if _, queued := q.byKey[op.Key()]; queued {
		q.failed = slices.Delete(q.failed, i, i+1)
		q.saveLocked()
		return OutcomeDiscarded, nil
	}
	if _, running := q.inFlight[op.Key()]; running {
		q.failed = slices.Delete(q.failed, i, i+1)
		q.saveLocked()
		return OutcomeDiscarded, nil
	}

	op.Attempts = 0
	op.LastError = ""
	op.RunAfter = time.Time{}
	outcome, err := q.enqueueLocked(op)
	if err != nil {
		return "", err
	}
	// enqueueLocked drops failed entries for the key; this covers discards.
	q.dropFailedLocked(func(f Op) bool { return f.ID == opID })
	q.stats.Retried++
	q.saveLocked()
	q.signal()
	return outcome, nil
}

// Discard drops a failed op for good.
func (q *Queue) Discard(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.IndexFunc(q.failed, func(f Op) bool { return f.ID == opID })
	if i < 0 {
		return fmt.Errorf("discard %s: %w", opID, ErrUnknownOp)
	}
	q.failed = slices.Delete(q.failed, i, i+1)
	q.saveLocked()
	return nil
}

// Pending returns every unacknowledged op, in flight or waiting, oldest first.
func (q *Queue) Pending() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Failed returns the failed list in the order ops were given up on.
func (q *Queue) Failed() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.failed)
}

// Stats returns counters and sizes.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stats
	st.Pending = len(q.pending)
	st.InFlight = len(q.inFlight)
	st.Failed = len(q.failed)
	st.Capacity = q.opts.Capacity
	if ops := q.snapshotLocked(); len(ops) > 0 {
		st.OldestEnqueuedAt = ops[0].EnqueuedAt
	}
	return st
}

func (q *Queue) snapshotLocked() []Op {
	out := make([]Op, 0, len(q.pending)+len(q.inFlight))
	for _, op := range q.inFlight {
		out = append(out, *op)
	}
	for _, p := range q.pending {
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (q *Queue) insertPendingLocked(op *Op) {
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].EnqueuedAt.After(op.EnqueuedAt)
	})
	q.pending = slices.Insert(q.pending, i, op)
}

func (q *Queue) removePendingLocked(opID string) {
	i := slices.IndexFunc(q.pending, func(p *Op) bool { return p.ID == opID })
	if i < 0 {
		return
	}
	p := q.pending[i]
	q.pending = slices.Delete(q.pending, i, i+1)
	if q.byKey[p.Key()] == p {
		delete(q.byKey, p.Key())
	}
}

func (q *Queue) takeInFlightLocked(opID string) (*Op, bool) {
	for k, op := range q.inFlight {
		if op.ID == opID {
			delete(q.inFlight, k)
			return op, true
		}
	}
	return nil, false
}

func (q *Queue) dropFailedLocked(match func(Op) bool) {
	q.failed = slices.DeleteFunc(q.failed, match)
}

// saveLocked writes the queue and failed list through to the store. A failed
// write is logged; the in-memory queue stays authoritative and the next
// mutation rewrites both collections.
func (q *Queue) saveLocked() {
	if q.opts.Store == nil {
		return
	}
	if err := storage.SaveJSON(q.opts.Store, storage.NamespaceSyncQueue, q.snapshotLocked()); err != nil {
		q.logger.Error("persisting sync queue", "error", err)
	}
	if err := storage.SaveJSON(q.opts.Store, storage.NamespaceSyncFailed, q.failed); err != nil {
		q.logger.Error("persisting failed sync ops", "error", err)
	}
}

func isPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}
