// Package storage provides the record store behind the event journal.
//
// Records are addressed by (namespace, record type, record id). List returns
// ids in ascending byte order, so time-ordered ids come back oldest first on
// every backend.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when nothing was ever written to a namespace.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction. The namespace is
// scoped to the batch.
type BatchTx interface {
	Put(recordType, recordID string, envelope *Envelope) error
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository is implemented by the memory, bbolt and postgres backends.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	// PutCAS writes only when the stored version equals expectedVersion.
	// An expectedVersion of zero means the record must not exist yet.
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	// Batch runs fn in one transaction; an error from fn rolls back every
	// write it made.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
	Close() error
}
