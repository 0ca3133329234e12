// Package kvstore implements the store facade: the
// orchestrating type a caller actually talks to, wiring a storage backend,
// the metadata catalog or native metadata, the write buffer, the tag
// index, per-key locking, transactions, backup, the background
// synchronizer, and replication into its public operations (set,
// set_with_ttl, get, get_with_metadata, delete, query_by_tags,
// query_by_tags_advanced, complex_query, list_all_tags, flush, stats,
// transaction).
//
// A Store instance is scoped to exactly one (database, namespace) pair,
// matching its configuration fields (db, namespace are singular,
// not lists).
package kvstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/kvstore/pkg/backup"
	"github.com/cuemby/kvstore/pkg/buffer"
	"github.com/cuemby/kvstore/pkg/catalog"
	"github.com/cuemby/kvstore/pkg/index"
	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/kvlog"
	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/lockstripe"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/replication"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/cuemby/kvstore/pkg/txn"
)

// Options configures a new Store.
type Options struct {
	DB        string
	Namespace string

	// Backend is the storage engine this store writes through.
	Backend storage.Backend

	// Catalog is required when Backend's Capabilities reports
	// SupportsMetadata == false.
	Catalog *catalog.Catalog

	// BufferHighWaterMarkBytes bounds the in-memory write buffer used when
	// Backend reports WriteStrategy == model.WriteBuffered. Zero disables
	// the high-water-mark trigger (the buffer still drains on Flush).
	BufferHighWaterMarkBytes int64

	// CacheCapacity and CacheTTL size the tag query cache;
	// zero values take the index package's defaults.
	CacheCapacity int
	CacheTTL      time.Duration

	// Primary, when non-nil, marks this store as a replication primary:
	// every local write is broadcast after being applied.
	Primary *replication.Primary

	// ReadOnly marks this store as a replication secondary's local handle:
	// direct Set/Delete/transaction calls are rejected with ReadOnly,
	// while ApplyLocal (driven by a replication.Secondary) still mutates.
	ReadOnly bool
}

// Store is the embedded key-value store's public entry point.
type Store struct {
	db        string
	namespace string

	backend   storage.Backend
	metaStore storage.MetadataCapable
	buf       *buffer.Buffer
	idx       *index.Index
	locks     *lockstripe.Table

	primary  *replication.Primary
	readOnly bool

	keyCount  int64
	activeTx  int64
	startedAt time.Time

	// orphanCandidates holds blob paths sighted without metadata on the
	// previous sweep; only accessed from SweepExpired, which the
	// synchronizer never runs concurrently for one store.
	orphanCandidates map[string]struct{}

	log zerolog.Logger
}

// New constructs a Store per opts, rebuilding its in-memory tag index
// from whatever durable metadata already exists.
func New(opts Options) (*Store, error) {
	if opts.DB == "" || opts.Namespace == "" {
		return nil, kverrors.New(kverrors.InvalidArgument, "kvstore.New", "db and namespace are required")
	}
	if opts.Backend == nil {
		return nil, kverrors.New(kverrors.InvalidArgument, "kvstore.New", "backend is required")
	}

	caps := opts.Backend.Capabilities()

	var metaStore storage.MetadataCapable
	if caps.SupportsMetadata {
		mc, ok := opts.Backend.(storage.MetadataCapable)
		if !ok {
			return nil, kverrors.New(kverrors.InvalidArgument, "kvstore.New", "backend reports SupportsMetadata but does not implement MetadataCapable")
		}
		metaStore = mc
	} else {
		if opts.Catalog == nil {
			return nil, kverrors.New(kverrors.InvalidArgument, "kvstore.New", "backend has no native metadata; a Catalog is required")
		}
		metaStore = opts.Catalog
	}

	s := &Store{
		db:               opts.DB,
		namespace:        opts.Namespace,
		backend:          opts.Backend,
		metaStore:        metaStore,
		idx:              index.New(opts.CacheCapacity, opts.CacheTTL),
		locks:            lockstripe.NewTable(),
		primary:          opts.Primary,
		readOnly:         opts.ReadOnly,
		startedAt:        time.Now(),
		orphanCandidates: make(map[string]struct{}),
		log:              kvlog.WithComponent("kvstore"),
	}

	if caps.SupportsBuffering && caps.WriteStrategy == model.WriteBuffered {
		s.buf = buffer.New(opts.BufferHighWaterMarkBytes, func() { go s.Flush(context.Background()) })
	}

	if err := s.rebuildIndex(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// rebuildIndex performs a single scan to seed the in-memory tag index
// from durable metadata at startup.
func (s *Store) rebuildIndex(ctx context.Context) error {
	records, err := s.metaStore.QueryMetadata(ctx, storage.MetadataQuery{Namespace: s.namespace})
	if err != nil {
		return err
	}
	byKey := make(map[string][]string, len(records))
	for _, rec := range records {
		byKey[rec.Key] = rec.TagList()
	}
	s.idx.Rebuild(byKey)
	return nil
}

func (s *Store) modelKey(key string) model.Key {
	return model.Key{DB: s.db, Namespace: s.namespace, Key: key}
}

func (s *Store) lockID(key string) string {
	return s.modelKey(key).CatalogID()
}

func validateKey(key string) error {
	if key == "" {
		return kverrors.New(kverrors.InvalidArgument, "kvstore", "key must not be empty")
	}
	if len(key) > model.MaxKeyBytes {
		return kverrors.New(kverrors.InvalidArgument, "kvstore", "key exceeds max_key_bytes")
	}
	return nil
}

func (s *Store) checkWritable(op string) error {
	if s.readOnly {
		return kverrors.New(kverrors.ReadOnly, op, "store is a replication secondary and rejects local writes")
	}
	return nil
}

// instrument wraps fn with the operation counters and duration histogram
// every Store operation publishes (its observability surface).
func (s *Store) instrument(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	dur := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	kvmetrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	kvmetrics.OperationDuration.WithLabelValues(op).Observe(dur.Seconds())
	kvlog.Event(s.log, kvlog.DebugLevel, op, dur, err == nil, nil)
	return err
}

// Set writes value under key with no expiration, replacing any tags the
// key carried before.
func (s *Store) Set(ctx context.Context, key string, value []byte, tags []string) error {
	return s.instrument("set", func() error {
		if err := s.checkWritable("kvstore.Set"); err != nil {
			return err
		}
		if err := validateKey(key); err != nil {
			return err
		}
		return s.applySetCore(ctx, key, value, tags, 0)
	})
}

// SetWithTTL writes value under key, expiring it ttlSeconds after this
// call's timestamp.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttlSeconds int64, tags []string) error {
	return s.instrument("set_with_ttl", func() error {
		if err := s.checkWritable("kvstore.SetWithTTL"); err != nil {
			return err
		}
		if err := validateKey(key); err != nil {
			return err
		}
		if ttlSeconds <= 0 {
			return kverrors.New(kverrors.InvalidArgument, "kvstore.SetWithTTL", "ttl_seconds must be positive")
		}
		return s.applySetCore(ctx, key, value, tags, ttlSeconds)
	})
}

// Get returns key's current value, or NotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.instrument("get", func() error {
		if err := validateKey(key); err != nil {
			return err
		}
		v, _, err := s.readCore(ctx, key)
		value = v
		return err
	})
	return value, err
}

// GetWithMetadata returns key's current value and metadata together.
func (s *Store) GetWithMetadata(ctx context.Context, key string) ([]byte, *model.Metadata, error) {
	var value []byte
	var meta *model.Metadata
	err := s.instrument("get_with_metadata", func() error {
		if err := validateKey(key); err != nil {
			return err
		}
		v, m, err := s.readCore(ctx, key)
		value, meta = v, m
		return err
	})
	return value, meta, err
}

// Delete removes key, returning NotFound if it did not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.instrument("delete", func() error {
		if err := s.checkWritable("kvstore.Delete"); err != nil {
			return err
		}
		if err := validateKey(key); err != nil {
			return err
		}
		return s.applyDeleteCore(ctx, key, true)
	})
}

// applySetCore performs the actual write: backend I/O, metadata upsert,
// index update, and (on a primary) replication broadcast. It is shared by
// the public Set/SetWithTTL, by transaction commit/rollback (via
// ApplySet), and by ApplyLocal on a secondary.
func (s *Store) applySetCore(ctx context.Context, key string, value []byte, tags []string, ttl int64) error {
	unlock := s.locks.Lock(s.lockID(key))
	defer unlock()

	k := s.modelKey(key)
	path := k.RelativePath()

	existing, err := s.metaStore.GetMetadata(ctx, k)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	encoded := encodeValue(value)

	caps := s.backend.Capabilities()
	if ttl > 0 {
		if ttlWriter, ok := s.backend.(storage.NativeTTLWriter); ok && caps.SupportsNativeTTL {
			if err := ttlWriter.WriteDataTTL(ctx, path, encoded, ttl); err != nil {
				return err
			}
		} else if err := s.writeThrough(ctx, path, encoded); err != nil {
			return err
		}
	} else if err := s.writeThrough(ctx, path, encoded); err != nil {
		return err
	}

	rec := &model.Metadata{
		DB:         s.db,
		Namespace:  s.namespace,
		Key:        key,
		Path:       path,
		Size:       int64(len(value)),
		CreatedAt:  createdAt,
		UpdatedAt:  now,
		AccessedAt: now,
		TTLSeconds: ttl,
		Tags:       tagSet(tags),
	}
	if err := s.metaStore.SetMetadata(ctx, rec); err != nil {
		return err
	}

	s.idx.Put(key, tags)
	if existing == nil {
		atomic.AddInt64(&s.keyCount, 1)
	}

	if s.primary != nil {
		payload := replication.SetPayload{DB: s.db, Namespace: s.namespace, Key: key, Value: value, Tags: tags, TTLSeconds: ttl}
		if _, err := s.primary.Broadcast(replication.OpSet, payload); err != nil {
			kvlog.Event(s.log, kvlog.WarnLevel, "broadcast_set", 0, false, map[string]any{"key": key, "error": err.Error()})
		}
	}
	return nil
}

func (s *Store) applyDeleteCore(ctx context.Context, key string, broadcast bool) error {
	unlock := s.locks.Lock(s.lockID(key))
	defer unlock()

	k := s.modelKey(key)
	existing, err := s.metaStore.GetMetadata(ctx, k)
	if err != nil {
		return err
	}
	if existing == nil {
		return kverrors.ErrNotFound
	}
	path := existing.Path

	if s.buf != nil {
		s.buf.Remove(path)
	}
	if err := s.metaStore.DeleteMetadata(ctx, k); err != nil {
		return err
	}
	if err := s.backend.DeleteFile(ctx, path); err != nil {
		return err
	}
	s.idx.Remove(key)
	atomic.AddInt64(&s.keyCount, -1)

	if broadcast && s.primary != nil {
		payload := replication.DeletePayload{DB: s.db, Namespace: s.namespace, Key: key}
		if _, err := s.primary.Broadcast(replication.OpDelete, payload); err != nil {
			kvlog.Event(s.log, kvlog.WarnLevel, "broadcast_delete", 0, false, map[string]any{"key": key, "error": err.Error()})
		}
	}
	return nil
}

func (s *Store) writeThrough(ctx context.Context, path string, encoded []byte) error {
	if s.buf != nil {
		s.buf.Put(path, encoded)
		return nil
	}
	return s.backend.WriteData(ctx, path, encoded)
}

// readCore is the shared Get/GetWithMetadata path: buffer
// short-circuit, metadata lookup, TTL check, decode, and a best-effort
// last_accessed refresh.
func (s *Store) readCore(ctx context.Context, key string) ([]byte, *model.Metadata, error) {
	unlock := s.locks.Lock(s.lockID(key))
	defer unlock()

	k := s.modelKey(key)
	rec, err := s.metaStore.GetMetadata(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil || rec.Expired(time.Now()) {
		return nil, nil, kverrors.ErrNotFound
	}

	var stored []byte
	if s.buf != nil {
		if buffered, ok := s.buf.Get(rec.Path); ok {
			stored = buffered
		}
	}
	if stored == nil {
		stored, err = s.backend.ReadData(ctx, rec.Path)
		if err != nil {
			return nil, nil, err
		}
	}

	value, err := decodeValue(stored)
	if err != nil {
		return nil, nil, err
	}

	s.refreshAccessTime(ctx, rec)
	return value, rec, nil
}

// refreshAccessTime is best-effort: a failure to record last_accessed
// never fails the read it accompanies, and is not replicated (read-time
// accesses are never treated as replicated operations).
func (s *Store) refreshAccessTime(ctx context.Context, rec *model.Metadata) {
	updated := rec.Clone()
	updated.AccessedAt = time.Now()
	if err := s.metaStore.SetMetadata(ctx, updated); err != nil {
		kvlog.Event(s.log, kvlog.WarnLevel, "refresh_access_time", 0, false, map[string]any{"key": rec.Key, "error": err.Error()})
	}
}

func tagSet(tags []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[t] = struct{}{}
	}
	return out
}

// Flush drains the write buffer into the backend. A no-op on a store
// whose backend does not buffer writes.
func (s *Store) Flush(ctx context.Context) error {
	return s.instrument("flush", func() error {
		if s.buf == nil {
			return nil
		}
		return s.buf.Flush(ctx, s.backend.WriteData)
	})
}

// FlushIfReady satisfies syncer.Syncable: the synchronizer itself is the
// time-based trigger, so this always flushes.
func (s *Store) FlushIfReady(ctx context.Context) error {
	return s.Flush(ctx)
}

// SweepExpired satisfies syncer.Syncable: removes every TTL-expired
// record from the backend, metadata store, and tag index, then
// reconciles orphans.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	var removed int
	err := s.instrument("sweep_expired", func() error {
		expired, err := s.metaStore.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		for _, rec := range expired {
			if s.buf != nil {
				s.buf.Remove(rec.Path)
			}
			if err := s.backend.DeleteFile(ctx, rec.Path); err != nil {
				kvlog.Event(s.log, kvlog.WarnLevel, "sweep_delete_blob", 0, false, map[string]any{"key": rec.Key, "error": err.Error()})
			}
			s.idx.Remove(rec.Key)
			atomic.AddInt64(&s.keyCount, -1)
			kvmetrics.TTLExpiredTotal.Inc()
		}
		removed = len(expired)
		s.sweepOrphans(ctx)
		return nil
	})
	return removed, err
}

// sweepOrphans deletes data blobs that have no metadata record, and
// reports metadata records whose blob is missing (their path
// re-reconciles on the key's next write). Errors here are logged, never
// surfaced: orphan reconciliation is best-effort housekeeping.
func (s *Store) sweepOrphans(ctx context.Context) {
	records, err := s.metaStore.QueryMetadata(ctx, storage.MetadataQuery{DB: s.db})
	if err != nil {
		kvlog.Event(s.log, kvlog.WarnLevel, "sweep_orphans", 0, false, map[string]any{"error": err.Error()})
		return
	}
	// known maps every path metadata claims; entries still present after
	// the backend walk are metadata without a blob.
	known := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.DB != s.db {
			continue
		}
		known[rec.Path] = rec.Key
	}

	// A blob is only deleted once it has been sighted orphaned on two
	// consecutive sweeps: a write in flight during this sweep lands its
	// blob before its metadata, and must not be reaped.
	cursor := ""
	orphanBlobs := 0
	nextCandidates := make(map[string]struct{})
	for {
		page, err := s.backend.ListKeys(ctx, storage.ListFilter{DB: s.db, Cursor: cursor, Limit: 500})
		if err != nil {
			kvlog.Event(s.log, kvlog.WarnLevel, "sweep_orphans", 0, false, map[string]any{"error": err.Error()})
			return
		}
		for _, path := range page.Paths {
			if _, ok := known[path]; ok {
				delete(known, path)
				continue
			}
			if _, seen := s.orphanCandidates[path]; !seen {
				nextCandidates[path] = struct{}{}
				continue
			}
			if err := s.backend.DeleteFile(ctx, path); err != nil {
				kvlog.Event(s.log, kvlog.WarnLevel, "sweep_orphan_blob", 0, false, map[string]any{"path": path, "error": err.Error()})
				continue
			}
			orphanBlobs++
		}
		if page.Done {
			break
		}
		cursor = page.NextCursor
	}
	s.orphanCandidates = nextCandidates

	// Anything left in known is metadata whose blob never reached the
	// backend; a still-buffered write is not an orphan.
	orphanMeta := 0
	for path, key := range known {
		if s.buf != nil {
			if _, staged := s.buf.Get(path); staged {
				continue
			}
		}
		orphanMeta++
		kvlog.Event(s.log, kvlog.WarnLevel, "orphan_metadata", 0, false, map[string]any{"key": key, "path": path})
	}
	if orphanBlobs > 0 || orphanMeta > 0 {
		kvlog.Event(s.log, kvlog.InfoLevel, "sweep_orphans", 0, true, map[string]any{"orphan_blobs_deleted": orphanBlobs, "orphan_metadata": orphanMeta})
	}
}

// Stats is the shape stats returns.
type Stats struct {
	KeyCount           int64
	Cache              index.Stats
	ActiveTransactions int64
	BufferBytes        int64
	UptimeSeconds      float64
}

// Stats reports the store's current counters.
func (s *Store) Stats() Stats {
	var bufBytes int64
	if s.buf != nil {
		bufBytes = s.buf.Bytes()
	}
	return Stats{
		KeyCount:           atomic.LoadInt64(&s.keyCount),
		Cache:              s.idx.Stats(),
		ActiveTransactions: atomic.LoadInt64(&s.activeTx),
		BufferBytes:        bufBytes,
		UptimeSeconds:      time.Since(s.startedAt).Seconds(),
	}
}

// Close flushes any pending writes and releases the backend.
func (s *Store) Close() error {
	if s.buf != nil {
		if err := s.buf.Flush(context.Background(), s.backend.WriteData); err != nil {
			kvlog.Event(s.log, kvlog.WarnLevel, "close_flush", 0, false, map[string]any{"error": err.Error()})
		}
	}
	return s.backend.Close()
}

var (
	_ txn.Backing         = (*Store)(nil)
	_ backup.Source       = (*Store)(nil)
	_ replication.Applier = (*Store)(nil)
)
