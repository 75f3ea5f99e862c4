package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a namespace has never been saved.
var ErrNotFound = errors.New("not found")

// ErrPersistence marks failures to write a collection to disk.
var ErrPersistence = errors.New("persistence failure")

// Namespaces used by the application.
const (
	NamespaceEntities   = "entities"
	NamespaceArtifacts  = "artifacts"
	NamespaceSyncQueue  = "sync_queue"
	NamespaceSyncFailed = "sync_failed"
)

// PersistenceError wraps a failed Save for a namespace.
type PersistenceError struct {
	Namespace string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving %s: %v", e.Namespace, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// CollectionInfo describes a stored namespace.
type CollectionInfo struct {
	Namespace string
	Records   int
	Bytes     int
	UpdatedAt time.Time
}
