// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space of the BBolt and in-memory
// backends, so List can walk the primary key index in id order. Envelope
// fields are stored as individual columns.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironsign/storage"
)

const upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (namespace, record_type, record_id)
	DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7, version = $8`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// execer abstracts *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func put(ctx context.Context, q execer, namespace, recordType, recordID string, env *storage.Envelope) error {
	_, err := q.Exec(ctx, upsertSQL,
		namespace, recordType, recordID,
		env.Ver, env.Scheme, env.Nonce, env.Ciphertext, env.Version)
	return err
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return put(ctx, s.pool, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &env.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, s.pool, namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2
		 ORDER BY record_id COLLATE "C"`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return deleteRecord(ctx, s.pool, namespace, recordType, recordID)
}

func deleteRecord(ctx context.Context, q execer, namespace, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, q, namespace, recordType, recordID)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := putCASInTx(ctx, tx, namespace, recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// pgBatchTx carries the context of the Batch call, since BatchTx methods
// take none.
type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return put(btx.ctx, btx.tx, btx.namespace, recordType, recordID, envelope)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(btx.ctx, btx.tx, btx.namespace, recordType, recordID, expectedVersion, envelope)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.namespace, recordType, recordID)
}

// putCASInTx locks the row, if any, and writes only when its version
// matches.
func putCASInTx(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		namespace, recordType, recordID).Scan(&currentVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
	case err != nil:
		return err
	case expectedVersion == 0 || currentVersion != expectedVersion:
		return storage.ErrCASFailed
	}
	return put(ctx, tx, namespace, recordType, recordID, envelope)
}

// notFoundError distinguishes a namespace that was never written from a
// missing record, matching the BBolt backend.
func notFoundError(ctx context.Context, q execer, namespace, recordType, recordID string) error {
	var exists bool
	_ = q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE namespace = $1 LIMIT 1)`,
		namespace).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
