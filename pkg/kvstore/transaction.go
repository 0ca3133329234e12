package kvstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/txn"
)

// ReadRecord satisfies txn.Backing: it reads the current value, tags, and
// ttl for key under the store's per-key lock, reporting Exists=false
// rather than NotFound for an absent or expired key (its
// snapshot step treats both the same way: nothing to restore).
func (s *Store) ReadRecord(ctx context.Context, key string) (txn.Record, error) {
	unlock := s.locks.Lock(s.lockID(key))
	defer unlock()

	k := s.modelKey(key)
	rec, err := s.metaStore.GetMetadata(ctx, k)
	if err != nil {
		return txn.Record{}, err
	}
	if rec == nil || rec.Expired(time.Now()) {
		return txn.Record{Exists: false}, nil
	}

	var stored []byte
	if s.buf != nil {
		if buffered, ok := s.buf.Get(rec.Path); ok {
			stored = buffered
		}
	}
	if stored == nil {
		stored, err = s.backend.ReadData(ctx, rec.Path)
		if err != nil {
			if kverrors.Of(err, kverrors.NotFound) {
				return txn.Record{Exists: false}, nil
			}
			return txn.Record{}, err
		}
	}

	value, err := decodeValue(stored)
	if err != nil {
		return txn.Record{}, err
	}
	return txn.Record{Exists: true, Value: value, Tags: rec.TagList(), TTL: rec.TTLSeconds}, nil
}

// ApplySet satisfies txn.Backing, sharing the same mutation path a direct
// Set uses.
func (s *Store) ApplySet(ctx context.Context, key string, value []byte, tags []string, ttl int64) error {
	return s.applySetCore(ctx, key, value, tags, ttl)
}

// ApplyDelete satisfies txn.Backing.
func (s *Store) ApplyDelete(ctx context.Context, key string) error {
	return s.applyDeleteCore(ctx, key, true)
}

// txKeyType is an unexported context key used to detect a nested
// transaction attempt ("Nested transactions are not
// supported; attempting one fails with InvalidState").
type txKeyType struct{}

var txKey = txKeyType{}

// Tx is a scoped handle returned by Begin/WithTransaction, wrapping the
// underlying txn.Transaction with the store's active-transaction count.
type Tx struct {
	store *Store
	inner *txn.Transaction
}

// Begin starts a new transaction against the store. It fails with
// InvalidState if ctx already carries an open transaction (nesting) or
// with ReadOnly on a replication secondary.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if err := s.checkWritable("kvstore.Begin"); err != nil {
		return nil, err
	}
	if ctx.Value(txKey) != nil {
		return nil, kverrors.New(kverrors.InvalidState, "kvstore.Begin", "nested transactions are not supported")
	}
	atomic.AddInt64(&s.activeTx, 1)
	kvmetrics.ActiveTransactions.Inc()
	return &Tx{store: s, inner: txn.Begin(s)}, nil
}

// Set enqueues a set; applied on Commit.
func (tx *Tx) Set(ctx context.Context, key string, value []byte, tags []string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return tx.inner.Set(withTx(ctx), key, value, tags, 0)
}

// SetWithTTL enqueues a set with an expiration; applied on Commit.
func (tx *Tx) SetWithTTL(ctx context.Context, key string, value []byte, ttlSeconds int64, tags []string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttlSeconds <= 0 {
		return kverrors.New(kverrors.InvalidArgument, "kvstore.Tx.SetWithTTL", "ttl_seconds must be positive")
	}
	return tx.inner.Set(withTx(ctx), key, value, tags, ttlSeconds)
}

// Delete enqueues a delete; applied on Commit.
func (tx *Tx) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return tx.inner.Delete(withTx(ctx), key)
}

// State reports the transaction's lifecycle state.
func (tx *Tx) State() txn.State { return tx.inner.State() }

// Commit applies every queued operation, in order, atomically rolling
// back anything already applied from this commit if one fails partway.
func (tx *Tx) Commit(ctx context.Context) error {
	defer tx.done()
	return tx.inner.Commit(withTx(ctx))
}

// Rollback restores every touched key to its pre-transaction state.
func (tx *Tx) Rollback(ctx context.Context) error {
	defer tx.done()
	return tx.inner.Rollback(withTx(ctx))
}

func (tx *Tx) done() {
	atomic.AddInt64(&tx.store.activeTx, -1)
	kvmetrics.ActiveTransactions.Dec()
}

func withTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey, true)
}

// WithTransaction runs fn against a scoped transaction handle, committing
// on a nil return and rolling back (then propagating fn's error) on a
// non-nil one.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if ferr := fn(tx); ferr != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			return rerr
		}
		return ferr
	}
	return tx.Commit(ctx)
}
