// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jmcleod/ironsign/storage"
)

// Repository keeps records in process memory. Suitable for tests and for a
// journal that need not survive a restart.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(_ context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(namespace, recordType, recordID, envelope)
	return nil
}

func (r *Repository) putLocked(namespace, recordType, recordID string, envelope *storage.Envelope) {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][makeKey(recordType, recordID)] = envelope.Clone()
}

func (r *Repository) Get(_ context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, recordType, recordID)
}

func (r *Repository) getLocked(namespace, recordType, recordID string) (*storage.Envelope, error) {
	records, ok := r.data[namespace]
	if !ok {
		return nil, fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	env, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return env.Clone(), nil
}

func (r *Repository) List(_ context.Context, namespace, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[namespace] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, namespace, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(namespace, recordType, recordID)
}

func (r *Repository) deleteLocked(namespace, recordType, recordID string) error {
	if _, err := r.getLocked(namespace, recordType, recordID); err != nil {
		return err
	}
	delete(r.data[namespace], makeKey(recordType, recordID))
	return nil
}

func (r *Repository) PutCAS(_ context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(namespace, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCASLocked(namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := r.getLocked(namespace, recordType, recordID)
	switch {
	case err != nil && expectedVersion != 0:
		return storage.ErrCASFailed
	case err == nil && (expectedVersion == 0 || existing.Version != expectedVersion):
		return storage.ErrCASFailed
	}
	r.putLocked(namespace, recordType, recordID, envelope)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot(namespace)
	if err := fn(&memoryBatchTx{repo: r, namespace: namespace}); err != nil {
		if snapshot == nil {
			delete(r.data, namespace)
		} else {
			r.data[namespace] = snapshot
		}
		return err
	}
	return nil
}

// Close is a no-op.
func (r *Repository) Close() error {
	return nil
}

func (r *Repository) snapshot(namespace string) map[string]*storage.Envelope {
	original, ok := r.data[namespace]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

type memoryBatchTx struct {
	repo      *Repository
	namespace string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.repo.putLocked(tx.namespace, recordType, recordID, envelope)
	return nil
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.repo.putCASLocked(tx.namespace, recordType, recordID, expectedVersion, envelope)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.namespace, recordType, recordID)
}
