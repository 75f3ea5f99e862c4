package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/curio/internal/store"
)

var (
	// ErrBusy is returned by Request when a generation for the same entity
	// and kind is already running.
	ErrBusy = errors.New("enrichment already in flight")
	// ErrProducerFailure matches every *ProducerError.
	ErrProducerFailure = errors.New("producer failed")
	// ErrNoProducer is returned by Request for kinds without a registered producer.
	ErrNoProducer = errors.New("no producer registered")
)

// Output is what a producer returns for one artifact.
type Output struct {
	Value      string
	ProducedBy string
}

// Producer generates the text of one artifact kind for an entity.
type Producer interface {
	Produce(ctx context.Context, e store.Entity, subKey string) (Output, error)
}

// ProduceFunc adapts a function to Producer.
type ProduceFunc func(ctx context.Context, e store.Entity, subKey string) (Output, error)

// Produce calls f.
func (f ProduceFunc) Produce(ctx context.Context, e store.Entity, subKey string) (Output, error) {
	return f(ctx, e, subKey)
}

// ProducerError wraps a failed producer call.
type ProducerError struct {
	EntityID string
	Kind     store.ArtifactKind
	SubKey   string
	Err      error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("producing %s for %s: %v", e.Kind, e.EntityID, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }

func (e *ProducerError) Is(target error) bool { return target == ErrProducerFailure }
