// Package catalog implements the metadata catalog: a local
// durable index of keys used by any backend that does not store metadata
// itself. It is backed by go.etcd.io/bbolt, with three buckets standing
// in for three relations:
//
//   - metadata: ns\x00key -> JSON-encoded model.Metadata
//   - tag_members: tag\x00ns\x00key -> "" (tag -> member keys)
//   - key_tags: ns\x00key\x00tag -> "" (key -> its tags, for fast
//     link replacement on upsert)
//
// bbolt has no query language, so QueryMetadata evaluates filters in Go;
// the %/_ LIKE-pattern escaping is implemented by matchLike.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetadata   = []byte("metadata")
	bucketTagMembers = []byte("tag_members")
	bucketKeyTags    = []byte("key_tags")
)

const sep = "\x00"

// Catalog is a durable, bbolt-backed metadata index scoped to one database,
// living alongside its backend at <root>/<db>_meta.*.
type Catalog struct {
	// mu serializes all mutations: every operation commits per call under
	// a catalog-wide mutex. bbolt already serializes writers internally,
	// but the catalog's own
	// multi-step upsert (delete old links, write new ones) needs to be
	// atomic with respect to concurrent set_metadata calls on the same
	// key, so this is held across the full bbolt transaction.
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// three buckets exist.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "catalog.Open", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMetadata, bucketTagMembers, bucketKeyTags} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, kverrors.Wrap(kverrors.BackendIO, "catalog.Open", "create buckets", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying bbolt file.
func (c *Catalog) Close() error { return c.db.Close() }

func metaKey(k model.Key) []byte {
	return []byte(k.Namespace + sep + k.Key)
}

func keyTagsPrefix(k model.Key) []byte {
	return []byte(k.Namespace + sep + k.Key + sep)
}

func tagMembersPrefix(tag string) []byte {
	return []byte(tag + sep)
}

// SetMetadata upserts rec by (namespace, key), replacing its tag links.
func (c *Catalog) SetMetadata(ctx context.Context, rec *model.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := model.Key{DB: rec.DB, Namespace: rec.Namespace, Key: rec.Key}
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := c.replaceLinks(tx, k, rec.TagList()); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(metaKey(k), data)
	})
}

func (c *Catalog) replaceLinks(tx *bolt.Tx, k model.Key, tags []string) error {
	keyTags := tx.Bucket(bucketKeyTags)
	tagMembers := tx.Bucket(bucketTagMembers)

	cur := keyTags.Cursor()
	prefix := keyTagsPrefix(k)
	var toDelete [][]byte
	for kk, _ := cur.Seek(prefix); kk != nil && hasPrefix(kk, prefix); kk, _ = cur.Next() {
		toDelete = append(toDelete, append([]byte(nil), kk...))
	}
	for _, kk := range toDelete {
		tag := string(kk[len(prefix):])
		if err := keyTags.Delete(kk); err != nil {
			return err
		}
		if err := tagMembers.Delete([]byte(tag + sep + k.Namespace + sep + k.Key)); err != nil {
			return err
		}
	}

	for _, tag := range tags {
		if err := keyTags.Put([]byte(string(prefix)+tag), nil); err != nil {
			return err
		}
		if err := tagMembers.Put([]byte(tag+sep+k.Namespace+sep+k.Key), nil); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// GetMetadata returns the record for k, or nil if absent.
func (c *Catalog) GetMetadata(ctx context.Context, k model.Key) (*model.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rec *model.Metadata
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(metaKey(k))
		if data == nil {
			return nil
		}
		var m model.Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		rec = &m
		return nil
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "catalog.GetMetadata", k.Key, err)
	}
	return rec, nil
}

// DeleteMetadata removes k's record and its tag links.
func (c *Catalog) DeleteMetadata(ctx context.Context, k model.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		if err := c.replaceLinks(tx, k, nil); err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Delete(metaKey(k))
	})
}

// QueryMetadata returns every record matching all of q's constraints.
// Tag constraints are AND semantics across q.Tags.
func (c *Catalog) QueryMetadata(ctx context.Context, q storage.MetadataQuery) ([]*model.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*model.Metadata
	err := c.db.View(func(tx *bolt.Tx) error {
		candidates, err := c.candidateKeys(tx, q)
		if err != nil {
			return err
		}
		mb := tx.Bucket(bucketMetadata)
		for _, mk := range candidates {
			data := mb.Get(mk)
			if data == nil {
				continue
			}
			var m model.Metadata
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if matchesFilters(&m, q) {
				out = append(out, &m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "catalog.QueryMetadata", "", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// candidateKeys narrows the scan using the tag index when tags are given,
// falling back to a full scan of the metadata bucket otherwise.
func (c *Catalog) candidateKeys(tx *bolt.Tx, q storage.MetadataQuery) ([][]byte, error) {
	if len(q.Tags) == 0 {
		var all [][]byte
		cur := tx.Bucket(bucketMetadata).Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			all = append(all, append([]byte(nil), k...))
		}
		return all, nil
	}

	var sets []map[string]struct{}
	for _, tag := range q.Tags {
		members := map[string]struct{}{}
		cur := tx.Bucket(bucketTagMembers).Cursor()
		prefix := tagMembersPrefix(tag)
		for k, _ := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cur.Next() {
			members[string(k[len(prefix):])] = struct{}{}
		}
		sets = append(sets, members)
	}

	result := sets[0]
	for _, s := range sets[1:] {
		next := map[string]struct{}{}
		for m := range result {
			if _, ok := s[m]; ok {
				next[m] = struct{}{}
			}
		}
		result = next
	}

	keys := make([][]byte, 0, len(result))
	for m := range result {
		keys = append(keys, []byte(m))
	}
	return keys, nil
}

func matchesFilters(m *model.Metadata, q storage.MetadataQuery) bool {
	if q.Namespace != "" && m.Namespace != q.Namespace {
		return false
	}
	if q.MinSize != nil && m.Size < *q.MinSize {
		return false
	}
	if q.MaxSize != nil && m.Size > *q.MaxSize {
		return false
	}
	if q.HasTTL != nil && m.HasTTL() != *q.HasTTL {
		return false
	}
	if q.KeyPattern != "" && !matchLike(q.KeyPattern, m.Key) {
		return false
	}
	return true
}

// CleanupExpired selects and deletes every record whose TTL has elapsed,
// returning what was removed so the caller (the store, via the background
// synchronizer) can delete the corresponding data blobs.
func (c *Catalog) CleanupExpired(ctx context.Context) ([]*model.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []*model.Metadata
	err := c.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMetadata)
		cur := mb.Cursor()
		var expiredKeys []model.Key
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var m model.Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Expired(nowFunc()) {
				mCopy := m
				removed = append(removed, &mCopy)
				expiredKeys = append(expiredKeys, model.Key{DB: m.DB, Namespace: m.Namespace, Key: m.Key})
			}
		}
		for _, k := range expiredKeys {
			if err := c.replaceLinks(tx, k, nil); err != nil {
				return err
			}
			if err := mb.Delete(metaKey(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "catalog.CleanupExpired", "", err)
	}
	return removed, nil
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = defaultNow

// matchLike evaluates a SQL-LIKE-style pattern against s: % matches any
// run of characters, _ matches exactly one, and a backslash escapes the
// following character so a literal % or _ can appear in a pattern.
// Callers are expected to escape %/_ before building such patterns;
// this function is the engine that then interprets them.
func matchLike(pattern, s string) bool {
	return likeMatch([]rune(pattern), []rune(s))
}

func likeMatch(p, s []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '\\':
		if len(p) < 2 {
			return false
		}
		if len(s) == 0 || s[0] != p[1] {
			return false
		}
		return likeMatch(p[2:], s[1:])
	case '%':
		if likeMatch(p[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatch(p[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatch(p[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatch(p[1:], s[1:])
	}
}

// EscapeLikeLiteral escapes %, _, and \ in s so it can be embedded in a
// LIKE-style pattern as a literal substring match: a key named "a_b%c"
// must round-trip as a literal match.
func EscapeLikeLiteral(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

func defaultNow() time.Time { return time.Now() }
