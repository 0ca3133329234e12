package fsbackend

import (
	"context"
	"testing"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.WriteData(ctx, "db1/aa/bb/aabbcc", []byte("hello")))

	data, err := b.ReadData(ctx, "db1/aa/bb/aabbcc")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	exists, err := b.FileExists(ctx, "db1/aa/bb/aabbcc")
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := b.GetFileSize(ctx, "db1/aa/bb/aabbcc")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.ReadData(ctx, "db1/aa/bb/missing")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.DeleteFile(ctx, "db1/aa/bb/never-existed"))
	require.NoError(t, b.WriteData(ctx, "db1/aa/bb/x", []byte("v")))
	require.NoError(t, b.DeleteFile(ctx, "db1/aa/bb/x"))
	require.NoError(t, b.DeleteFile(ctx, "db1/aa/bb/x"))

	exists, err := b.FileExists(ctx, "db1/aa/bb/x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPathTraversalRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.ReadData(ctx, "../../etc/passwd")
	assert.True(t, kverrors.Of(err, kverrors.PathTraversal))

	err2 := b.WriteData(ctx, "../escape", []byte("x"))
	assert.True(t, kverrors.Of(err2, kverrors.PathTraversal))
}

func TestListKeysPagesInOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	paths := []string{"db1/aa/00/aa00a", "db1/aa/00/aa00b", "db1/bb/00/bb00c"}
	for _, p := range paths {
		require.NoError(t, b.WriteData(ctx, p, []byte("v")))
	}

	page, err := b.ListKeys(ctx, storage.ListFilter{DB: "db1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Paths, 2)
	assert.False(t, page.Done)

	page2, err := b.ListKeys(ctx, storage.ListFilter{DB: "db1", Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.True(t, page2.Done)
	assert.Len(t, page2.Paths, 1)
}
