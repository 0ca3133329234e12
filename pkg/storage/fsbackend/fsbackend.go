// Package fsbackend implements the Filesystem Backend: a
// storage.Backend that persists blobs as plain files under a validated
// root directory, writing through a temp-file-then-rename for atomicity
// and delegating metadata to a separate Metadata Catalog.
package fsbackend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
)

// Backend is the filesystem-backed storage.Backend.
type Backend struct {
	root string
}

// New validates base and constructs a filesystem backend rooted at it.
// Every subsequent relative path is validated the same way: no "..",
// no absolute components — any violation raises PathTraversal.
func New(base string) (*Backend, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.InvalidArgument, "fsbackend.New", "resolve base path", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "fsbackend.New", "create root directory", err)
	}
	return &Backend{root: abs}, nil
}

// Capabilities reports the filesystem backend's static descriptor.
func (b *Backend) Capabilities() model.Capabilities {
	return model.Capabilities{
		SupportsBuffering:     true,
		WriteStrategy:         model.WriteBuffered,
		SupportsNativeTTL:     false,
		SupportsMetadata:      false,
		SupportsNativeQueries: false,
		IsDistributed:         false,
		SupportsCompression:   true,
		MaxValueSizeBytes:     0,
	}
}

// resolve validates relativePath against the backend root and returns the
// absolute path, or PathTraversal if it would escape the root.
func (b *Backend) resolve(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", kverrors.New(kverrors.PathTraversal, "fsbackend.resolve", "absolute path not allowed")
	}
	joined := filepath.Join(b.root, relativePath)
	cleanRoot := filepath.Clean(b.root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", kverrors.New(kverrors.PathTraversal, "fsbackend.resolve", "path escapes backend root")
	}
	return joined, nil
}

// WriteData writes data to relativePath atomically: write to a sibling
// "<path>.tmp.<random>" then rename into place.
func (b *Backend) WriteData(ctx context.Context, relativePath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "context", err)
	}
	full, err := b.resolve(relativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "create parent directory", err)
	}

	tmp := full + ".tmp." + randSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "sync temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "close temp file", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.WriteData", "rename into place", err)
	}
	return nil
}

func randSuffix() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// ReadData returns the bytes at relativePath, or NotFound if absent.
func (b *Backend) ReadData(ctx context.Context, relativePath string) ([]byte, error) {
	full, err := b.resolve(relativePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kverrors.Wrap(kverrors.NotFound, "fsbackend.ReadData", relativePath, err)
		}
		return nil, kverrors.Wrap(kverrors.BackendIO, "fsbackend.ReadData", relativePath, err)
	}
	return data, nil
}

// DeleteFile removes relativePath; absence is not an error (idempotent).
func (b *Backend) DeleteFile(ctx context.Context, relativePath string) error {
	full, err := b.resolve(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return kverrors.Wrap(kverrors.BackendIO, "fsbackend.DeleteFile", relativePath, err)
	}
	return nil
}

// FileExists reports whether relativePath currently exists.
func (b *Backend) FileExists(ctx context.Context, relativePath string) (bool, error) {
	full, err := b.resolve(relativePath)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, kverrors.Wrap(kverrors.BackendIO, "fsbackend.FileExists", relativePath, err)
}

// GetFileSize returns the size in bytes of relativePath, or NotFound.
func (b *Backend) GetFileSize(ctx context.Context, relativePath string) (int64, error) {
	full, err := b.resolve(relativePath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, kverrors.Wrap(kverrors.NotFound, "fsbackend.GetFileSize", relativePath, err)
		}
		return 0, kverrors.Wrap(kverrors.BackendIO, "fsbackend.GetFileSize", relativePath, err)
	}
	return info.Size(), nil
}

// ListKeys returns one page of the files under <root>/<db>, in sorted path
// order, without taking any lock; filter.Cursor resumes from the path last
// returned.
//
// The filesystem has no native pagination primitive, so the cursor here is
// simply the last relative path yielded: ListKeys performs an ordered walk
// and skips everything up to and including the cursor before collecting up
// to Limit entries. This keeps the behavior lazy from the caller's point of
// view even though a single call still walks the subtree once.
func (b *Backend) ListKeys(ctx context.Context, filter storage.ListFilter) (storage.ListPage, error) {
	dbRoot, err := b.resolve(filter.DB)
	if err != nil {
		return storage.ListPage{}, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	var all []string
	err = filepath.WalkDir(dbRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, relErr := filepath.Rel(b.root, path)
		if relErr != nil {
			return relErr
		}
		all = append(all, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return storage.ListPage{}, kverrors.Wrap(kverrors.BackendIO, "fsbackend.ListKeys", filter.DB, err)
	}
	sort.Strings(all)

	start := 0
	if filter.Cursor != "" {
		for i, p := range all {
			if p > filter.Cursor {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	done := true
	if end < len(all) {
		done = false
	} else {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if len(page) > 0 {
		next = page[len(page)-1]
	}
	return storage.ListPage{Paths: page, NextCursor: next, Done: done}, nil
}

// Close releases any resources held by the backend. The filesystem backend
// holds none beyond open file descriptors it closes per-call, so this is a
// no-op satisfying io.Closer for symmetry with netbackend.
func (b *Backend) Close() error { return nil }

var _ storage.Backend = (*Backend)(nil)
var _ io.Closer = (*Backend)(nil)
