package buffer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenGetShortCircuits(t *testing.T) {
	b := New(0, nil)
	b.Put("a", []byte("1"))
	data, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), data)
}

func TestHighWaterMarkSchedulesAsyncFlush(t *testing.T) {
	var triggered int32
	b := New(4, func() { atomic.AddInt32(&triggered, 1) })
	b.Put("a", []byte("12")) // 2 bytes, below mark
	assert.EqualValues(t, 0, atomic.LoadInt32(&triggered))
	b.Put("b", []byte("1234")) // now 6 bytes total, crosses mark
	assert.EqualValues(t, 1, atomic.LoadInt32(&triggered))
}

func TestFlushDrainsBuffer(t *testing.T) {
	b := New(0, nil)
	b.Put("a", []byte("1"))
	b.Put("b", []byte("2"))

	written := map[string][]byte{}
	err := b.Flush(context.Background(), func(ctx context.Context, path string, data []byte) error {
		written[path] = data
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(0), b.Bytes())
	assert.Len(t, written, 2)
}

func TestFlushReinsertsFailedEntries(t *testing.T) {
	b := New(0, nil)
	b.Put("a", []byte("1"))
	b.Put("bad", []byte("2"))

	err := b.Flush(context.Background(), func(ctx context.Context, path string, data []byte) error {
		if path == "bad" {
			return errors.New("disk full")
		}
		return nil
	})
	require.Error(t, err)

	_, stillThere := b.Get("bad")
	assert.True(t, stillThere)
	_, gone := b.Get("a")
	assert.False(t, gone)
}
