package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/storage"
	"github.com/jmcleod/ironsign/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_FailedBatchOnNewNamespace(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	err := repo.Batch(ctx, "fresh", func(tx storage.BatchTx) error {
		_ = tx.Put("EVENT", "id1", storage.PlainRecord([]byte("{}"), 0))
		return errors.New("simulated error")
	})
	require.Error(t, err)

	_, err = repo.Get(ctx, "fresh", "EVENT", "id1")
	assert.ErrorIs(t, err, storage.ErrNamespaceNotFound, "rollback removes the namespace it created")
	assert.NoError(t, repo.Close())
}
