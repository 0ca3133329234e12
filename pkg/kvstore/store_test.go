package kvstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/backup"
	"github.com/cuemby/kvstore/pkg/catalog"
	"github.com/cuemby/kvstore/pkg/index"
	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/storage/fsbackend"
	"github.com/cuemby/kvstore/pkg/syncer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	backend, err := fsbackend.New(filepath.Join(dir, "data"))
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	s, err := New(Options{
		DB:        "db1",
		Namespace: "ns1",
		Backend:   backend,
		Catalog:   cat,
	})
	require.NoError(t, err)
	return s
}

func TestSetThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("hello"), []string{"a", "b"}))
	require.NoError(t, s.Flush(ctx))

	value, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), nil))
	require.NoError(t, s.Delete(ctx, "k1"))
	_, err := s.Get(ctx, "k1")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), "missing")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestSetWithTTLExpiresAfterSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetWithTTL(ctx, "k1", []byte("v"), 1, nil))

	time.Sleep(1100 * time.Millisecond)

	_, err := s.Get(ctx, "k1")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))

	removed, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestQueryByTagsAndSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), []string{"env:prod", "team:infra"}))
	require.NoError(t, s.Set(ctx, "k2", []byte("v2"), []string{"env:prod"}))

	result := s.QueryByTagsAdvanced([]string{"env:prod", "team:infra"}, index.AND, 1, 10)
	assert.ElementsMatch(t, []string{"k1"}, result.Keys)

	resultOr := s.QueryByTagsAdvanced([]string{"env:prod", "team:infra"}, index.OR, 1, 10)
	assert.ElementsMatch(t, []string{"k1", "k2"}, resultOr.Keys)
}

func TestTransactionCommitAppliesAllOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "existing", []byte("old"), nil))

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		if err := tx.Set(ctx, "k1", []byte("v1"), []string{"x"}); err != nil {
			return err
		}
		return tx.Delete(ctx, "existing")
	})
	require.NoError(t, err)

	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	_, err = s.Get(ctx, "existing")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestTransactionRollbackRestoresOriginalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("original"), []string{"keep"}))

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		if err := tx.Set(ctx, "k1", []byte("changed"), []string{"gone"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	v, meta, err := s.GetWithMetadata(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v)
	assert.Contains(t, meta.Tags, "keep", "rollback must restore the original tag set, not just the value")
	assert.NotContains(t, meta.Tags, "gone")
}

func TestNestedTransactionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx)
	require.NoError(t, err)

	_, nestedErr := s.Begin(withTx(ctx))
	assert.True(t, kverrors.Of(nestedErr, kverrors.InvalidState))
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	backend, err := fsbackend.New(filepath.Join(dir, "data"))
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	s, err := New(Options{DB: "db1", Namespace: "ns1", Backend: backend, Catalog: cat, ReadOnly: true})
	require.NoError(t, err)

	err = s.Set(context.Background(), "k1", []byte("v"), nil)
	assert.True(t, kverrors.Of(err, kverrors.ReadOnly))
}

func TestStatsReportsKeyCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), nil))
	require.NoError(t, s.Set(ctx, "k2", []byte("v"), nil))
	require.NoError(t, s.Delete(ctx, "k1"))

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.KeyCount)
}

func TestListAllTagsCountsMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), []string{"a", "b"}))
	require.NoError(t, s.Set(ctx, "k2", []byte("v"), []string{"a"}))

	assert.Equal(t, map[string]int{"a": 2, "b": 1}, s.ListAllTags())
}

func TestTimedFlushDrainsBufferThroughSynchronizer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), nil))
	require.Positive(t, s.Stats().BufferBytes, "write must be staged in the buffer before any flush")

	sync := syncer.New(20*time.Millisecond, time.Hour)
	sync.Register("s", s)
	sync.Start()
	defer sync.Stop(context.Background())

	require.Eventually(t, func() bool { return s.Stats().BufferBytes == 0 }, time.Second, 10*time.Millisecond)

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestBackupRestoreRoundTripThroughStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), []string{"x"}))
	require.NoError(t, s.SetWithTTL(ctx, "b", []byte("2"), 3600, []string{"y"}))
	require.NoError(t, s.Flush(ctx))

	mgr := backup.New(t.TempDir(), s)
	hdr, err := mgr.FullBackup(ctx, "db1", "ns1", true)
	require.NoError(t, err)

	ok, err := mgr.Verify(hdr.BackupID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Set(ctx, "a", []byte("mutated"), nil))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), nil))

	require.NoError(t, mgr.Restore(ctx, hdr.BackupID, backup.RestoreOptions{Verify: true, ClearExisting: true}))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = s.Get(ctx, "c")
	assert.True(t, kverrors.Of(err, kverrors.NotFound), "clear_existing must drop keys created after the backup")

	_, meta, err := s.GetWithMetadata(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 3600, meta.TTLSeconds)
	assert.Contains(t, meta.Tags, "y")
}

func TestSweepDeletesOrphanBlobsAfterTwoSightings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.backend.WriteData(ctx, "db1/aa/bb/orphan", []byte("x")))

	_, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	exists, err := s.backend.FileExists(ctx, "db1/aa/bb/orphan")
	require.NoError(t, err)
	assert.True(t, exists, "first sighting only marks the blob as a candidate")

	_, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	exists, err = s.backend.FileExists(ctx, "db1/aa/bb/orphan")
	require.NoError(t, err)
	assert.False(t, exists, "second consecutive sighting deletes the orphan")
}

func TestCompressedValueRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.NoError(t, s.Set(ctx, "big", big, nil))
	require.NoError(t, s.Flush(ctx))

	got, err := s.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, big, got)
}
