package syncq

import (
	"encoding/json"
	"time"

	"github.com/kalambet/curio/internal/storage"
)

// OpKind is the remote operation an Op performs.
type OpKind string

const (
	OpUpsertEntity   OpKind = "upsert_entity"
	OpUpsertArtifact OpKind = "upsert_artifact"
	OpDeleteEntity   OpKind = "delete_entity"
	OpDeleteArtifact OpKind = "delete_artifact"
)

// IsDelete reports whether the op removes its target.
func (k OpKind) IsDelete() bool {
	return k == OpDeleteEntity || k == OpDeleteArtifact
}

// Op is one queued remote operation.
type Op struct {
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	Namespace  string          `json:"namespace"`
	TargetID   string          `json:"target_id"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	RunAfter   time.Time       `json:"run_after"`
}

// Key is the coalescing key: one logical remote record.
func (o Op) Key() string {
	return o.Namespace + "/" + o.TargetID
}

func entityKey(entityID string) string {
	return storage.NamespaceEntities + "/" + entityID
}

// Outcome reports what Enqueue did with an op.
type Outcome string

const (
	// OutcomeQueued means the op was added under a new key.
	OutcomeQueued Outcome = "queued"
	// OutcomeCoalesced means the op replaced a queued op for the same key.
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeDiscarded means a queued delete made the op pointless.
	OutcomeDiscarded Outcome = "discarded"
)

// Disposition reports what Fail did with an op.
type Disposition string

const (
	DispositionRetry      Disposition = "retry"
	DispositionExhausted  Disposition = "exhausted"
	DispositionSuperseded Disposition = "superseded"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
	Capacity int `json:"capacity"`

	OldestEnqueuedAt time.Time `json:"oldest_enqueued_at,omitzero"`

	Enqueued  uint64 `json:"enqueued_total"`
	Coalesced uint64 `json:"coalesced_total"`
	Discarded uint64 `json:"discarded_total"`
	Acked     uint64 `json:"acked_total"`
	Retried   uint64 `json:"retried_total"`
	Exhausted uint64 `json:"exhausted_total"`
}
