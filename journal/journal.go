// Package journal persists session lifecycle events.
//
// Every event becomes one EVENT record in the "journal" namespace, keyed by a
// time-ordered uuid. Records form a hash chain: each carries the hash of its
// predecessor, and a HEAD record tracks the latest sequence number and hash.
// The event record and the HEAD update are written in one batch, the HEAD via
// compare-and-swap, so concurrent writers sharing a database cannot fork the
// chain. When a secret is configured, records are sealed with AES-256-GCM
// under a key derived from it with HKDF; otherwise they are stored as plain
// JSON.
package journal

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/internal/uuid"
	"github.com/jmcleod/ironsign/session"
	"github.com/jmcleod/ironsign/storage"
)

const (
	// Namespace is the storage namespace holding the journal.
	Namespace = "journal"

	eventRecordType = "EVENT"
	headRecordType  = "HEAD"
	headRecordID    = "head"

	// GenesisHash is the PrevHash of the first entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	defaultWriteTimeout = 5 * time.Second
	appendAttempts      = 3
)

var (
	hkdfSalt = []byte("ironsign-journal")
	hkdfInfo = []byte("journal record key v1")
)

// Entry is one journalled event.
type Entry struct {
	ID       string        `json:"id"`
	Seq      uint64        `json:"seq"`
	PrevHash string        `json:"prev_hash"`
	Event    session.Event `json:"event"`
}

// Hash is the chain link computed over the entry:
// SHA-256(id || prev_hash || at || type || key).
func (e Entry) Hash() string {
	h := sha256.New()
	h.Write([]byte(e.ID))
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Event.At.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Event.Type))
	h.Write([]byte(e.Event.Key))
	return hex.EncodeToString(h.Sum(nil))
}

type head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Journal appends and reads lifecycle events.
type Journal struct {
	repo         storage.Repository
	key          []byte
	logger       *slog.Logger
	writeTimeout time.Duration

	// mu serialises appends from this process; CAS on HEAD covers others.
	mu sync.Mutex
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	secret       string
	writeTimeout time.Duration
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSecret enables sealing. The record key is derived from secret.
func WithSecret(secret string) Option {
	return func(o *options) {
		o.secret = secret
	}
}

// WithWriteTimeout bounds each append made by the listener.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// New returns a journal writing to repo.
func New(repo storage.Repository, opts ...Option) (*Journal, error) {
	o := options{writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	j := &Journal{
		repo:         repo,
		logger:       o.logger.With(slog.String("component", "journal")),
		writeTimeout: o.writeTimeout,
	}
	if o.secret != "" {
		seed := []byte(o.secret)
		key, err := util.HKDF(seed, hkdfSalt, hkdfInfo)
		util.WipeBytes(seed)
		if err != nil {
			return nil, fmt.Errorf("deriving journal key: %w", err)
		}
		j.key = key
	}
	return j, nil
}

// Sealed reports whether records are encrypted.
func (j *Journal) Sealed() bool {
	return j.key != nil
}

// Listener returns a session listener that appends every event. Write
// failures are logged; they never reach the session manager.
func (j *Journal) Listener() session.Listener {
	return func(ev session.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
		defer cancel()
		if _, err := j.Append(ctx, ev); err != nil {
			j.logger.Warn("journal write failed",
				slog.String("event", string(ev.Type)),
				slog.String("key", ev.Key),
				slog.Any("error", err))
		}
	}
}

// Append records ev at the end of the chain.
func (j *Journal) Append(ctx context.Context, ev session.Event) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var lastErr error
	for range appendAttempts {
		entry, err := j.appendOnce(ctx, ev)
		if !errors.Is(err, storage.ErrCASFailed) {
			return entry, err
		}
		lastErr = err
	}
	return Entry{}, fmt.Errorf("appending journal entry: %w", lastErr)
}

func (j *Journal) appendOnce(ctx context.Context, ev session.Event) (Entry, error) {
	h, err := j.readHead(ctx)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:       uuid.NewOrdered(),
		Seq:      h.Seq + 1,
		PrevHash: h.Hash,
		Event:    ev,
	}
	entryEnv, err := j.seal(eventRecordType, entry.ID, entry, 0)
	if err != nil {
		return Entry{}, err
	}
	headEnv, err := j.seal(headRecordType, headRecordID, head{Seq: entry.Seq, Hash: entry.Hash()}, entry.Seq)
	if err != nil {
		return Entry{}, err
	}
	err = j.repo.Batch(ctx, Namespace, func(tx storage.BatchTx) error {
		if err := tx.Put(eventRecordType, entry.ID, entryEnv); err != nil {
			return err
		}
		return tx.PutCAS(headRecordType, headRecordID, h.Seq, headEnv)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (j *Journal) readHead(ctx context.Context) (head, error) {
	env, err := j.repo.Get(ctx, Namespace, headRecordType, headRecordID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		return head{Hash: GenesisHash}, nil
	}
	if err != nil {
		return head{}, fmt.Errorf("reading journal head: %w", err)
	}
	var h head
	if err := j.open(headRecordType, headRecordID, env, &h); err != nil {
		return head{}, err
	}
	return h, nil
}

// List returns the most recent limit entries oldest first; limit <= 0 means
// all of them.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	ids, err := j.repo.List(ctx, Namespace, eventRecordType)
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		env, err := j.repo.Get(ctx, Namespace, eventRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("reading journal entry %s: %w", id, err)
		}
		var e Entry
		if err := j.open(eventRecordType, id, env, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return entries, nil
}

func aad(recordType, recordID string) []byte {
	return []byte(Namespace + "/" + recordType + "/" + recordID)
}

func (j *Journal) seal(recordType, recordID string, v any, version uint64) (*storage.Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding journal record: %w", err)
	}
	if j.key == nil {
		return storage.PlainRecord(data, version), nil
	}
	return storage.SealRecord(j.key, data, aad(recordType, recordID), version)
}

func (j *Journal) open(recordType, recordID string, env *storage.Envelope, v any) error {
	data, err := storage.OpenRecord(j.key, env, aad(recordType, recordID))
	if err != nil {
		return fmt.Errorf("opening journal record %s/%s: %w", recordType, recordID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding journal record %s/%s: %w", recordType, recordID, err)
	}
	return nil
}
