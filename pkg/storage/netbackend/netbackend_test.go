package netbackend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln.Addr().String()
}

func TestWriteReadRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	b := New(addr, Options{})
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.WriteData(ctx, "db1/aa/bb/k", []byte("hello")))

	data, err := b.ReadData(ctx, "db1/aa/bb/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, err := b.GetFileSize(ctx, "db1/aa/bb/k")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	exists, err := b.FileExists(ctx, "db1/aa/bb/k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	addr := startTestServer(t)
	b := New(addr, Options{})
	defer b.Close()

	_, err := b.ReadData(context.Background(), "db1/aa/bb/missing")
	assert.True(t, kverrors.Of(err, kverrors.NotFound))
}

func TestNativeTTLExpiresBlob(t *testing.T) {
	addr := startTestServer(t)
	b := New(addr, Options{})
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.WriteDataTTL(ctx, "db1/aa/bb/k", []byte("v"), 1))

	exists, err := b.FileExists(ctx, "db1/aa/bb/k")
	require.NoError(t, err)
	assert.True(t, exists)

	time.Sleep(1100 * time.Millisecond)

	exists, err = b.FileExists(ctx, "db1/aa/bb/k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMetadataRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	b := New(addr, Options{})
	defer b.Close()

	ctx := context.Background()
	k := model.Key{DB: "d", Namespace: "n", Key: "k"}
	rec := &model.Metadata{
		DB: "d", Namespace: "n", Key: "k", Path: k.RelativePath(),
		Size: 3, Tags: map[string]struct{}{"a": {}, "b": {}},
	}
	require.NoError(t, b.SetMetadata(ctx, rec))

	got, err := b.GetMetadata(ctx, k)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k", got.Key)
	assert.Len(t, got.Tags, 2)

	results, err := b.QueryMetadata(ctx, storage.MetadataQuery{Namespace: "n", Tags: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k", results[0].Key)

	require.NoError(t, b.DeleteMetadata(ctx, k))
	got, err = b.GetMetadata(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListKeysPaginatesByCursor(t *testing.T) {
	addr := startTestServer(t)
	b := New(addr, Options{})
	defer b.Close()

	ctx := context.Background()
	for _, p := range []string{"db1/aa/bb/1", "db1/aa/bb/2", "db1/aa/bb/3"} {
		require.NoError(t, b.WriteData(ctx, p, []byte("x")))
	}

	page, err := b.ListKeys(ctx, storage.ListFilter{DB: "db1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Paths, 2)
	assert.False(t, page.Done)

	page2, err := b.ListKeys(ctx, storage.ListFilter{DB: "db1", Cursor: page.NextCursor, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page2.Paths, 1)
	assert.True(t, page2.Done)
}

func TestValueTooLargeRejected(t *testing.T) {
	srv := NewServer()
	srv.maxValueSize = 4
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); ln.Close() })
	go srv.Serve(ctx, ln)

	b := New(ln.Addr().String(), Options{})
	defer b.Close()

	err = b.WriteData(context.Background(), "db1/aa/bb/k", []byte("toolong"))
	assert.True(t, kverrors.Of(err, kverrors.ValueTooLarge))
}
