package journal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/session"
	"github.com/jmcleod/ironsign/storage"
	"github.com/jmcleod/ironsign/storage/memory"
)

func event(t session.EventType, key string, at time.Time) session.Event {
	return session.Event{Type: t, Key: key, ProviderID: "A", UserID: "alice", At: at, SignatureCount: 1}
}

func TestJournal_AppendAndListOldestFirst(t *testing.T) {
	j, err := New(memory.NewRepository())
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	types := []session.EventType{session.EventCreated, session.EventSignatureCompleted, session.EventClosed}
	for i, typ := range types {
		_, err := j.Append(ctx, event(typ, "A_alice", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, types[i], e.Event.Type)
	}
	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)

	recent, err := j.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, session.EventSignatureCompleted, recent[0].Event.Type)
	assert.Equal(t, session.EventClosed, recent[1].Event.Type)
}

func TestJournal_SealedRecordsNeedTheSecret(t *testing.T) {
	repo := memory.NewRepository()
	ctx := context.Background()

	j, err := New(repo, WithSecret("correct horse"))
	require.NoError(t, err)
	assert.True(t, j.Sealed())
	entry, err := j.Append(ctx, event(session.EventCreated, "A_alice", time.Now()))
	require.NoError(t, err)

	env, err := repo.Get(ctx, Namespace, eventRecordType, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAESGCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "alice")

	wrong, err := New(repo, WithSecret("battery staple"))
	require.NoError(t, err)
	_, err = wrong.List(ctx, 0)
	assert.ErrorContains(t, err, "opening journal record")

	plain, err := New(repo)
	require.NoError(t, err)
	_, err = plain.List(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrKeyRequired)

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Event.UserID)
}

func TestJournal_PlainRecordsAreJSON(t *testing.T) {
	repo := memory.NewRepository()
	j, err := New(repo)
	require.NoError(t, err)
	assert.False(t, j.Sealed())

	entry, err := j.Append(context.Background(), event(session.EventRefreshed, "A_alice", time.Now()))
	require.NoError(t, err)
	env, err := repo.Get(context.Background(), Namespace, eventRecordType, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SchemePlainJSON, env.Scheme)
	assert.Contains(t, string(env.Ciphertext), `"type":"refreshed"`)
}

func TestJournal_ConcurrentAppendsKeepChainIntact(t *testing.T) {
	j, err := New(memory.NewRepository(), WithSecret("s"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.Append(context.Background(), event(session.EventSignatureCompleted, "A_alice", time.Now()))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := j.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid, "%+v", res.Checks)
	assert.Equal(t, 20, res.EntryCount)
	assert.True(t, res.Sealed)
}

func TestJournal_VerifyDetectsTampering(t *testing.T) {
	repo := memory.NewRepository()
	j, err := New(repo)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := j.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "empty_chain", res.Checks[0].Name)

	var ids []string
	for i := range 3 {
		e, err := j.Append(ctx, event(session.EventCreated, "A_alice", time.Unix(int64(1_700_000_000+i), 0)))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	res, err = j.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// Dropping the middle entry breaks continuity.
	require.NoError(t, repo.Delete(ctx, Namespace, eventRecordType, ids[1]))
	res, err = j.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	for _, c := range res.Checks {
		if c.Name == "chain_continuity" {
			assert.Equal(t, StatusFail, c.Status)
			assert.Contains(t, c.Detail, "seq 3 after seq 1")
		}
	}
}

func TestVerifyChain_HeadMismatch(t *testing.T) {
	e := Entry{ID: "e1", Seq: 1, PrevHash: GenesisHash, Event: event(session.EventCreated, "A_alice", time.Unix(0, 0))}
	res := verifyChain([]Entry{e}, head{Seq: 1, Hash: "deadbeef"}, false)
	assert.False(t, res.Valid)
	assert.Equal(t, StatusFail, res.Checks[len(res.Checks)-1].Status)

	res = verifyChain([]Entry{e}, head{Seq: 1, Hash: e.Hash()}, false)
	assert.True(t, res.Valid)
}

// failingRepo rejects every batch.
type failingRepo struct {
	*memory.Repository
}

func (failingRepo) Batch(context.Context, string, func(storage.BatchTx) error) error {
	return errors.New("disk full")
}

func TestJournal_ListenerLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	j, err := New(failingRepo{memory.NewRepository()}, WithLogger(logger))
	require.NoError(t, err)

	listener := j.Listener()
	assert.NotPanics(t, func() {
		listener(event(session.EventClosed, "A_alice", time.Now()))
	})
	assert.Contains(t, buf.String(), "journal write failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestJournal_RecordsManagerEvents(t *testing.T) {
	j, err := New(memory.NewRepository())
	require.NoError(t, err)

	listener := j.Listener()
	listener(event(session.EventCreated, "A_alice", time.Now()))
	listener(event(session.EventExpired, "A_alice", time.Now()))

	entries, err := j.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, session.EventExpired, entries[1].Event.Type)
}
