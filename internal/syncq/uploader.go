package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Remote is the backend the uploader pushes to. Both calls must be
// idempotent by id.
type Remote interface {
	Upsert(ctx context.Context, namespace, id string, payload json.RawMessage) error
	Delete(ctx context.Context, namespace, id string) error
}

// UploaderOptions configure an Uploader.
type UploaderOptions struct {
	// Workers is the number of concurrent remote calls. Defaults to 2.
	Workers int
	// PollInterval bounds how long an idle worker sleeps when no retry is
	// due sooner. Defaults to 500ms.
	PollInterval time.Duration
	// Timeout bounds a single remote call; zero leaves it to the remote.
	Timeout time.Duration
	Logger  *slog.Logger

	// OnAck runs after the remote confirmed op and the queue dropped it.
	OnAck func(op Op)
	// OnExhausted runs when op moved to the failed list.
	OnExhausted func(op Op, err error)
}

// Uploader drains a Queue into a Remote.
type Uploader struct {
	queue  *Queue
	remote Remote
	opts   UploaderOptions
	logger *slog.Logger
}

// NewUploader creates an Uploader with the given dependencies.
func NewUploader(queue *Queue, remote Remote, opts UploaderOptions) *Uploader {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{queue: queue, remote: remote, opts: opts, logger: logger}
}

// Run drains the queue with Workers goroutines until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < u.opts.Workers; i++ {
		g.Go(func() error {
			u.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (u *Uploader) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := u.RunOnce(ctx)
		if err != nil {
			u.logger.Error("uploader iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-u.queue.Ready():
		case <-time.After(u.idleWait(time.Now())):
		}
	}
}

// minIdleWait keeps a worker from spinning on an op whose key is in flight.
const minIdleWait = 10 * time.Millisecond

// idleWait is how long an idle worker sleeps: until the next pending op is
// due, capped at PollInterval.
func (u *Uploader) idleWait(now time.Time) time.Duration {
	wait := u.opts.PollInterval
	next, ok := u.queue.NextDue()
	if !ok {
		return wait
	}
	if d := next.Sub(now); d < wait {
		wait = max(d, minIdleWait)
	}
	return wait
}

// RunOnce claims and uploads a single due op. It returns true if an op was
// processed, regardless of the outcome of the remote call.
func (u *Uploader) RunOnce(ctx context.Context) (bool, error) {
	op, ok := u.queue.Claim(time.Now())
	if !ok {
		return false, nil
	}

	callErr := u.execute(ctx, op)
	if callErr == nil {
		if err := u.queue.Ack(op.ID); err != nil {
			return true, fmt.Errorf("acking op %s: %w", op.ID, err)
		}
		u.logger.Debug("sync op acknowledged", "op_id", op.ID, "kind", op.Kind, "target", op.TargetID)
		if u.opts.OnAck != nil {
			u.opts.OnAck(op)
		}
		return true, nil
	}

	if ctx.Err() != nil && errors.Is(callErr, ctx.Err()) {
		if err := u.queue.Requeue(op.ID); err != nil {
			return true, fmt.Errorf("requeueing op %s: %w", op.ID, err)
		}
		return true, nil
	}

	syncErr := &SyncError{OpID: op.ID, Kind: op.Kind, Attempt: op.Attempts + 1, Err: callErr}
	failed, disp, err := u.queue.Fail(op.ID, syncErr)
	if err != nil {
		return true, fmt.Errorf("failing op %s: %w", op.ID, err)
	}
	switch disp {
	case DispositionExhausted:
		syncErr.Exhausted = true
		u.logger.Error("sync op exhausted", "op_id", op.ID, "kind", op.Kind, "target", op.TargetID, "attempts", failed.Attempts, "error", callErr)
		if u.opts.OnExhausted != nil {
			u.opts.OnExhausted(failed, syncErr)
		}
	case DispositionSuperseded:
		u.logger.Debug("failed sync op superseded", "op_id", op.ID, "target", op.TargetID)
	default:
		u.logger.Warn("sync op failed", "op_id", op.ID, "kind", op.Kind, "attempt", failed.Attempts, "run_after", failed.RunAfter, "error", callErr)
	}
	return true, nil
}

// Drain runs RunOnce until no op is due and returns how many ops it processed.
func (u *Uploader) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		done, err := u.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
}

func (u *Uploader) execute(ctx context.Context, op Op) error {
	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}
	switch op.Kind {
	case OpUpsertEntity, OpUpsertArtifact:
		return u.remote.Upsert(ctx, op.Namespace, op.TargetID, op.Payload)
	case OpDeleteEntity, OpDeleteArtifact:
		return u.remote.Delete(ctx, op.Namespace, op.TargetID)
	default:
		return Permanent(fmt.Errorf("unknown op kind %q", op.Kind))
	}
}
