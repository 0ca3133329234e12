package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSource is an in-memory Source used to exercise the backup manager
// without a real store.
type memSource struct {
	entries map[string]Entry // keyed by db\x00ns\x00key
}

func newMemSource() *memSource { return &memSource{entries: make(map[string]Entry)} }

func (m *memSource) put(db, ns string, e Entry) {
	m.entries[db+"\x00"+ns+"\x00"+e.Key] = e
}

func (m *memSource) ListEntries(ctx context.Context, db, namespace string, since *time.Time) ([]Entry, error) {
	var out []Entry
	prefix := db + "\x00" + namespace + "\x00"
	for k, e := range m.entries {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if since != nil && !e.UpdatedAt.After(*since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memSource) ClearNamespace(ctx context.Context, db, namespace string) error {
	prefix := db + "\x00" + namespace + "\x00"
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memSource) ApplyEntry(ctx context.Context, db, namespace string, e Entry) error {
	m.put(db, namespace, e)
	return nil
}

func TestFullBackupAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()
	src.put("d1", "n1", Entry{Key: "a", Value: []byte("hello"), Tags: []string{"x"}, UpdatedAt: time.Unix(100, 0)})
	src.put("d1", "n1", Entry{Key: "b", Value: []byte("world"), UpdatedAt: time.Unix(200, 0)})

	mgr := New(dir, src)
	hdr, err := mgr.FullBackup(context.Background(), "d1", "n1", false)
	require.NoError(t, err)
	assert.Equal(t, Full, hdr.Type)
	assert.Equal(t, 2, hdr.FileCount)

	ok, err := mgr.Verify(hdr.BackupID)
	require.NoError(t, err)
	assert.True(t, ok)

	dst := newMemSource()
	mgr2 := New(dir, dst)
	require.NoError(t, mgr2.Restore(context.Background(), hdr.BackupID, RestoreOptions{Verify: true}))

	restored, err := dst.ListEntries(context.Background(), "d1", "n1", nil)
	require.NoError(t, err)
	assert.Len(t, restored, 2)
}

func TestFullBackupCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()
	src.put("d1", "n1", Entry{Key: "a", Value: []byte("a value long enough to bother compressing, repeated repeated repeated"), UpdatedAt: time.Unix(100, 0)})

	mgr := New(dir, src)
	hdr, err := mgr.FullBackup(context.Background(), "d1", "n1", true)
	require.NoError(t, err)
	assert.True(t, hdr.Compression)

	ok, err := mgr.Verify(hdr.BackupID)
	require.NoError(t, err)
	assert.True(t, ok, "compressed archives must still verify against the uncompressed checksum")
}

func TestIncrementalBackupOnlyIncludesUpdatedEntries(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()
	src.put("d1", "n1", Entry{Key: "a", Value: []byte("v1"), UpdatedAt: time.Now().Add(-time.Hour)})

	mgr := New(dir, src)
	full, err := mgr.FullBackup(context.Background(), "d1", "n1", false)
	require.NoError(t, err)

	src.put("d1", "n1", Entry{Key: "b", Value: []byte("v2"), UpdatedAt: time.Now().Add(time.Hour)})

	inc, err := mgr.IncrementalBackup(context.Background(), "d1", "n1", full.BackupID, false)
	require.NoError(t, err)
	assert.Equal(t, Incremental, inc.Type)
	assert.Equal(t, 1, inc.FileCount, "only key b, updated after the full backup's timestamp, belongs in the incremental")
}

func TestRestoreWalksIncrementalChain(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()
	src.put("d1", "n1", Entry{Key: "a", Value: []byte("v1"), UpdatedAt: time.Unix(100, 0)})

	mgr := New(dir, src)
	full, err := mgr.FullBackup(context.Background(), "d1", "n1", false)
	require.NoError(t, err)

	src.put("d1", "n1", Entry{Key: "a", Value: []byte("v2"), UpdatedAt: time.Unix(9999999999, 0)})
	inc, err := mgr.IncrementalBackup(context.Background(), "d1", "n1", full.BackupID, false)
	require.NoError(t, err)
	require.Equal(t, 1, inc.FileCount)

	dst := newMemSource()
	mgr2 := New(dir, dst)
	require.NoError(t, mgr2.Restore(context.Background(), inc.BackupID, RestoreOptions{ClearExisting: true}))

	restored, err := dst.ListEntries(context.Background(), "d1", "n1", nil)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, []byte("v2"), restored[0].Value, "incremental restore must apply the later snapshot over the earlier one")
}

func TestCleanupOldBackupsRetainsKeepCountRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource()
	mgr := New(dir, src)

	var ids []string
	for i := 0; i < 3; i++ {
		src.put("d1", "n1", Entry{Key: "a", Value: []byte("v"), UpdatedAt: time.Unix(int64(i), 0)})
		hdr, err := mgr.FullBackup(context.Background(), "d1", "n1", false)
		require.NoError(t, err)
		ids = append(ids, hdr.BackupID)
	}

	removed, err := mgr.CleanupOldBackups(0, 2)
	require.NoError(t, err)
	assert.Len(t, removed, 1, "keep_count=2 must retain the two most recent even though keep_days=0 would otherwise expire everything")
}
