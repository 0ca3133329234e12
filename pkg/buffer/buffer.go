// Package buffer implements the in-memory write buffer used by backends
// whose capabilities report write_strategy=buffered: a
// staging map of pending writes, a high-water mark that schedules (never
// inline-executes) a flush, and a flush that atomically snapshots and
// drains the buffer.
package buffer

import (
	"context"
	"sync"

	"github.com/cuemby/kvstore/pkg/kvmetrics"
)

// WriteFunc persists one staged entry to the backend. Buffer calls this
// once per entry during Flush.
type WriteFunc func(ctx context.Context, relativePath string, data []byte) error

// Buffer stages writes in memory until Flush drains them.
type Buffer struct {
	mu            sync.Mutex
	entries       map[string][]byte
	totalBytes    int64
	highWaterMark int64
	onHighWater   func()
}

// New constructs a Buffer with the given high-water mark in bytes. When
// the mark is crossed by a Put, onHighWater is invoked (expected to
// schedule an async flush — never called under the buffer's own lock;
// the flush itself is never executed inline).
func New(highWaterMarkBytes int64, onHighWater func()) *Buffer {
	return &Buffer{
		entries:       make(map[string][]byte),
		highWaterMark: highWaterMarkBytes,
		onHighWater:   onHighWater,
	}
}

// Put stages data for relativePath, replacing any prior pending write for
// the same path.
func (b *Buffer) Put(relativePath string, data []byte) {
	b.mu.Lock()
	if old, ok := b.entries[relativePath]; ok {
		b.totalBytes -= int64(len(old))
	}
	b.entries[relativePath] = data
	b.totalBytes += int64(len(data))
	crossed := b.highWaterMark > 0 && b.totalBytes >= b.highWaterMark
	kvmetrics.BufferBytes.Set(float64(b.totalBytes))
	b.mu.Unlock()

	if crossed && b.onHighWater != nil {
		b.onHighWater()
	}
}

// Get returns the staged bytes for relativePath, if present. A present
// buffer entry short-circuits backend reads.
func (b *Buffer) Get(relativePath string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.entries[relativePath]
	return data, ok
}

// Remove drops relativePath from the buffer without writing it anywhere,
// used when a key is deleted while still staged.
func (b *Buffer) Remove(relativePath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.entries[relativePath]; ok {
		b.totalBytes -= int64(len(old))
		delete(b.entries, relativePath)
		kvmetrics.BufferBytes.Set(float64(b.totalBytes))
	}
}

// Bytes reports the buffer's current total staged size.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// Len reports the number of staged entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush atomically snapshots and clears the buffer, then writes each
// entry via write. An entry whose write fails is re-inserted into the live
// map and its error collected; the remaining entries still get written.
// Flush blocks the caller until every entry in the snapshot has been
// attempted.
func (b *Buffer) Flush(ctx context.Context, write WriteFunc) error {
	b.mu.Lock()
	snapshot := b.entries
	b.entries = make(map[string][]byte)
	b.totalBytes = 0
	kvmetrics.BufferBytes.Set(0)
	b.mu.Unlock()

	var errs []error
	for path, data := range snapshot {
		if err := write(ctx, path, data); err != nil {
			b.Put(path, data)
			errs = append(errs, err)
			continue
		}
	}
	if len(errs) > 0 {
		return &FlushError{Errors: errs}
	}
	return nil
}

// FlushError aggregates the per-entry failures from one Flush call.
type FlushError struct {
	Errors []error
}

func (e *FlushError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return "multiple flush errors occurred"
}

func (e *FlushError) Unwrap() []error { return e.Errors }
