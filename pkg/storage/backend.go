// Package storage defines the capability-typed backend contract every
// storage engine implements, generalizing the source's
// duck-typing-plus-capability-dictionary into a single Go interface plus a
// Capabilities descriptor the store reads once at construction to decide
// buffering and metadata routing, rather than dispatching dynamically.
package storage

import (
	"context"
	"io"

	"github.com/cuemby/kvstore/pkg/model"
)

// ListFilter scopes a cursor-based key listing to a database and an opaque
// pagination cursor. Namespace is carried but neither backend applies it:
// relative paths hash the namespace together with the key.
type ListFilter struct {
	DB        string
	Namespace string
	Cursor    string
	Limit     int
}

// ListPage is one page of a cursor-based key listing.
type ListPage struct {
	Paths      []string
	NextCursor string
	Done       bool
}

// Backend is the contract every storage engine must satisfy. Every
// operation accepts a context carrying the caller's deadline.
type Backend interface {
	Capabilities() model.Capabilities

	WriteData(ctx context.Context, relativePath string, data []byte) error
	ReadData(ctx context.Context, relativePath string) ([]byte, error)
	DeleteFile(ctx context.Context, relativePath string) error
	FileExists(ctx context.Context, relativePath string) (bool, error)
	GetFileSize(ctx context.Context, relativePath string) (int64, error)
	ListKeys(ctx context.Context, filter ListFilter) (ListPage, error)

	io.Closer
}

// MetadataCapable is implemented by backends whose Capabilities reports
// SupportsMetadata == true. The store type-asserts for this rather than calling
// through an always-present interface, so a backend without native
// metadata support (e.g. the filesystem backend) simply doesn't implement
// it.
type MetadataCapable interface {
	SetMetadata(ctx context.Context, rec *model.Metadata) error
	GetMetadata(ctx context.Context, key model.Key) (*model.Metadata, error)
	DeleteMetadata(ctx context.Context, key model.Key) error
	QueryMetadata(ctx context.Context, q MetadataQuery) ([]*model.Metadata, error)
	CleanupExpired(ctx context.Context) ([]*model.Metadata, error)
}

// MetadataQuery describes a conjunctive filter over the metadata relation,
// used by both MetadataCapable backends and the standalone Metadata
// Catalog.
type MetadataQuery struct {
	DB         string
	Namespace  string
	Tags       []string // AND semantics across this list
	MinSize    *int64
	MaxSize    *int64
	HasTTL     *bool
	KeyPattern string // may contain % and _ wildcards; callers must escape literals
}

// NativeTTLWriter is implemented by backends whose Capabilities reports
// SupportsNativeTTL == true. The store calls WriteDataTTL instead of
// WriteData when ttl is set, so the backend can apply the expiration to
// the data blob and its metadata atomically in one round trip.
type NativeTTLWriter interface {
	WriteDataTTL(ctx context.Context, relativePath string, data []byte, ttlSeconds int64) error
}
