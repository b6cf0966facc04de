// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/storage"
)

// Run exercises repo. It expects an empty repository and writes into the
// "suite" namespaces only.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	ns := "suite"
	env := &storage.Envelope{
		Ver:        1,
		Scheme:     storage.SchemeAESGCM,
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte("ciphertext"),
		Version:    1,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, ns, "EVENT", "id1", env))

		got, err := repo.Get(ctx, ns, "EVENT", "id1")
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Nonce, got.Nonce)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Version, got.Version)

		got.Nonce[0] = 'X'
		again, err := repo.Get(ctx, ns, "EVENT", "id1")
		require.NoError(t, err)
		assert.Equal(t, byte('n'), again.Nonce[0], "returned envelopes are copies")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "suite-missing", "EVENT", "id1")
		assert.True(t, errors.Is(err, storage.ErrNamespaceNotFound), "got %v", err)

		_, err = repo.Get(ctx, ns, "EVENT", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("ListIsSortedAndScopedByType", func(t *testing.T) {
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, repo.Put(ctx, ns+"-list", "EVENT", id, env))
		}
		require.NoError(t, repo.Put(ctx, ns+"-list", "HEAD", "z", env))

		ids, err := repo.List(ctx, ns+"-list", "EVENT")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		ids, err = repo.List(ctx, "suite-missing", "EVENT")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, ns, "EVENT", "doomed", env))
		require.NoError(t, repo.Delete(ctx, ns, "EVENT", "doomed"))
		_, err := repo.Get(ctx, ns, "EVENT", "doomed")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		assert.True(t, errors.Is(repo.Delete(ctx, ns, "EVENT", "doomed"), storage.ErrNotFound))
	})

	t.Run("PutCAS", func(t *testing.T) {
		cas := ns + "-cas"
		v1 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte("{}"), Version: 1}
		v2 := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte("{}"), Version: 2}

		require.NoError(t, repo.PutCAS(ctx, cas, "HEAD", "head", 0, v1))
		assert.ErrorIs(t, repo.PutCAS(ctx, cas, "HEAD", "head", 0, v1), storage.ErrCASFailed, "create-only on an existing record")
		assert.ErrorIs(t, repo.PutCAS(ctx, cas, "HEAD", "other", 1, v1), storage.ErrCASFailed, "update of a missing record")
		require.NoError(t, repo.PutCAS(ctx, cas, "HEAD", "head", 1, v2))
		assert.ErrorIs(t, repo.PutCAS(ctx, cas, "HEAD", "head", 1, v1), storage.ErrCASFailed, "stale version")

		got, err := repo.Get(ctx, cas, "HEAD", "head")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("Batch", func(t *testing.T) {
		b := ns + "-batch"
		err := repo.Batch(ctx, b, func(tx storage.BatchTx) error {
			if err := tx.Put("EVENT", "id1", env); err != nil {
				return err
			}
			return tx.PutCAS("HEAD", "head", 0, env)
		})
		require.NoError(t, err)
		_, err = repo.Get(ctx, b, "EVENT", "id1")
		assert.NoError(t, err)

		err = repo.Batch(ctx, b, func(tx storage.BatchTx) error {
			if err := tx.Put("EVENT", "id2", env); err != nil {
				return err
			}
			if err := tx.Delete("EVENT", "id1"); err != nil {
				return err
			}
			return tx.PutCAS("HEAD", "head", 0, env)
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get(ctx, b, "EVENT", "id2")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "failed batch leaves no writes behind")
		_, err = repo.Get(ctx, b, "EVENT", "id1")
		assert.NoError(t, err, "failed batch restores deleted records")
	})
}
