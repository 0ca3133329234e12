// Package model holds the data types shared across every component of the
// store: the (db, namespace, key) scoping tuple, the metadata record kept
// for every stored value, and the capability descriptor a storage backend
// publishes once at construction.
package model

import (
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a stored value by the (database, namespace, key)
// uniqueness tuple.
type Key struct {
	DB        string
	Namespace string
	Key       string
}

// MaxKeyBytes is the recommended key length ceiling.
const MaxKeyBytes = 1024

// RelativePath derives the backend-relative storage path for this key:
// <db>/<h[0:2]>/<h[2:4]>/<h>, where h is the hex xxhash digest of
// (namespace, key). The path only needs to be deterministic and
// well-distributed; integrity checksums elsewhere use SHA-256.
func (k Key) RelativePath() string {
	d := xxhash.New()
	_, _ = d.Write([]byte(k.Namespace))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write([]byte(k.Key))
	sum := d.Sum(nil)
	h := hex.EncodeToString(sum)
	return k.DB + "/" + h[0:2] + "/" + h[2:4] + "/" + h
}

// CatalogID is the flat (db, namespace, key) string used as the store's
// per-key lock id and as the networked-KV server's metadata map key.
func (k Key) CatalogID() string {
	return k.DB + "\x00" + k.Namespace + "\x00" + k.Key
}

// Metadata is the durable record kept for every stored key.
type Metadata struct {
	DB         string              `json:"db"`
	Namespace  string              `json:"namespace"`
	Key        string              `json:"key"`
	Path       string              `json:"path"`
	Size       int64               `json:"size"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"last_updated"`
	AccessedAt time.Time           `json:"last_accessed"`
	TTLSeconds int64               `json:"ttl_seconds,omitempty"`
	Tags       map[string]struct{} `json:"tags,omitempty"`
}

// TagList returns the tag set as a slice, suitable for serialization or
// iteration.
func (m *Metadata) TagList() []string {
	out := make([]string, 0, len(m.Tags))
	for t := range m.Tags {
		out = append(out, t)
	}
	return out
}

// HasTTL reports whether this record carries an expiration.
func (m *Metadata) HasTTL() bool { return m.TTLSeconds > 0 }

// Expired reports whether, as of now, this record's TTL has elapsed.
// Expiration predicate: now >= last_updated + ttl_seconds.
func (m *Metadata) Expired(now time.Time) bool {
	if !m.HasTTL() {
		return false
	}
	return !now.Before(m.UpdatedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// Clone returns a deep-enough copy safe to hand to a caller or stash in a
// transaction snapshot without aliasing the tag set.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Tags = make(map[string]struct{}, len(m.Tags))
	for t := range m.Tags {
		c.Tags[t] = struct{}{}
	}
	return &c
}

// WriteStrategy describes how a backend wants writes staged.
type WriteStrategy string

const (
	WriteBuffered  WriteStrategy = "buffered"
	WriteImmediate WriteStrategy = "immediate"
)

// Capabilities is the descriptor every backend publishes once at
// construction.
type Capabilities struct {
	SupportsBuffering     bool
	WriteStrategy         WriteStrategy
	SupportsNativeTTL     bool
	SupportsMetadata      bool
	SupportsNativeQueries bool
	IsDistributed         bool
	SupportsCompression   bool
	MaxValueSizeBytes     int64 // 0 means unbounded
}
