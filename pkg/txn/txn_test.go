package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Backing used to exercise the transaction
// manager without a real kvstore.Store.
type fakeStore struct {
	records map[string]Record
	failOn  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (f *fakeStore) ReadRecord(ctx context.Context, key string) (Record, error) {
	if rec, ok := f.records[key]; ok {
		return rec, nil
	}
	return Record{Exists: false}, nil
}

func (f *fakeStore) ApplySet(ctx context.Context, key string, value []byte, tags []string, ttl int64) error {
	if key == f.failOn {
		return errors.New("simulated apply failure")
	}
	f.records[key] = Record{Exists: true, Value: value, Tags: tags, TTL: ttl}
	return nil
}

func (f *fakeStore) ApplyDelete(ctx context.Context, key string) error {
	if key == f.failOn {
		return errors.New("simulated apply failure")
	}
	delete(f.records, key)
	return nil
}

func TestCommitAppliesAllOperationsInOrder(t *testing.T) {
	store := newFakeStore()
	tx := Begin(store)

	require.NoError(t, tx.Set(context.Background(), "a", []byte("1"), nil, 0))
	require.NoError(t, tx.Set(context.Background(), "b", []byte("2"), nil, 0))
	require.NoError(t, tx.Commit(context.Background()))

	assert.Equal(t, Committed, tx.State())
	assert.Equal(t, []byte("1"), store.records["a"].Value)
	assert.Equal(t, []byte("2"), store.records["b"].Value)
}

func TestCommitFailureRollsBackAppliedOps(t *testing.T) {
	store := newFakeStore()
	store.records["a"] = Record{Exists: true, Value: []byte("original")}
	store.failOn = "b"
	tx := Begin(store)

	require.NoError(t, tx.Set(context.Background(), "a", []byte("changed"), nil, 0))
	require.NoError(t, tx.Set(context.Background(), "b", []byte("2"), nil, 0))

	err := tx.Commit(context.Background())
	require.Error(t, err)
	assert.Equal(t, RolledBack, tx.State())
	assert.Equal(t, []byte("original"), store.records["a"].Value, "key a must be restored to its pre-txn value")
	_, stillSet := store.records["b"]
	assert.False(t, stillSet, "key b never existed before the txn so it must be deleted, not left set")
}

func TestExplicitRollbackRestoresSnapshot(t *testing.T) {
	store := newFakeStore()
	store.records["a"] = Record{Exists: true, Value: []byte("original"), Tags: []string{"x"}}
	tx := Begin(store)

	require.NoError(t, tx.Set(context.Background(), "a", []byte("new"), []string{"y"}, 0))
	require.NoError(t, tx.Delete(context.Background(), "new-key"))
	require.NoError(t, tx.Rollback(context.Background()))

	assert.Equal(t, RolledBack, tx.State())
	assert.Equal(t, []byte("original"), store.records["a"].Value)
	assert.Equal(t, []string{"x"}, store.records["a"].Tags)
}

func TestTerminatedTransactionRejectsFurtherOps(t *testing.T) {
	store := newFakeStore()
	tx := Begin(store)
	require.NoError(t, tx.Commit(context.Background()))

	err := tx.Set(context.Background(), "a", []byte("1"), nil, 0)
	require.Error(t, err)
	assert.True(t, kverrors.Of(err, kverrors.InvalidState))

	err = tx.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, kverrors.Of(err, kverrors.InvalidState))
}

func TestTouchSnapshotsOnlyOnFirstTouch(t *testing.T) {
	store := newFakeStore()
	store.records["a"] = Record{Exists: true, Value: []byte("v1")}
	tx := Begin(store)

	require.NoError(t, tx.Set(context.Background(), "a", []byte("v2"), nil, 0))
	require.NoError(t, tx.Set(context.Background(), "a", []byte("v3"), nil, 0))

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, []byte("v1"), store.records["a"].Value, "rollback must restore the ORIGINAL value, not the first queued write")
}
