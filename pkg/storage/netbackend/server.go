package netbackend

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/kvlog"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/cuemby/kvstore/pkg/wireframe"
)

// DefaultMaxValueSizeBytes is the hard ceiling the networked-KV backend
// enforces on writes.
const DefaultMaxValueSizeBytes = 512 << 20

type record struct {
	data      []byte
	expiresAt time.Time // zero means no expiration
}

type metaEntry struct {
	meta *model.Metadata
}

// Server is the companion process a netbackend.Backend dials into. It
// holds blobs and their metadata natively in memory, honoring TTL
// expiration on its own ("supports_native_ttl").
type Server struct {
	mu    sync.RWMutex
	blobs map[string]record
	metas map[string]metaEntry

	maxValueSize int64
	listener     net.Listener
}

// NewServer constructs an empty Server ready to Serve connections.
func NewServer() *Server {
	return &Server{
		blobs:        make(map[string]record),
		metas:        make(map[string]metaEntry),
		maxValueSize: DefaultMaxValueSizeBytes,
	}
}

// Serve accepts connections on ln and handles each on its own goroutine
// until ctx is canceled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	br := wireframe.NewBufferedReader(conn)
	log := kvlog.WithComponent("netbackend.server")
	for {
		var req request
		if err := wireframe.Read(br, &req); err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := wireframe.Write(conn, resp); err != nil {
			kvlog.Event(log, kvlog.WarnLevel, "write_response", 0, false, map[string]any{"error": err.Error()})
			return
		}
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Command {
	case cmdWrite:
		return s.handleWrite(req.Path, req.Data, 0)
	case cmdWriteTTL:
		return s.handleWrite(req.Path, req.Data, req.TTLSeconds)
	case cmdRead:
		return s.handleRead(req.Path)
	case cmdDelete:
		return s.handleDelete(req.Path)
	case cmdExists:
		return s.handleExists(req.Path)
	case cmdSize:
		return s.handleSize(req.Path)
	case cmdList:
		return s.handleList(req.ListFilter)
	case cmdSetMetadata:
		return s.handleSetMetadata(req.Metadata)
	case cmdGetMetadata:
		return s.handleGetMetadata(req.Key)
	case cmdDeleteMetadata:
		return s.handleDeleteMetadata(req.Key)
	case cmdQueryMetadata:
		return s.handleQueryMetadata(req.Query)
	case cmdCleanupExpired:
		return s.handleCleanupExpired()
	default:
		return errResponse(kverrors.InvalidArgument, "unknown command")
	}
}

func errResponse(kind kverrors.Kind, msg string) response {
	return response{OK: false, ErrorKind: string(kind), ErrorMsg: msg}
}

func (s *Server) handleWrite(path string, data []byte, ttlSeconds int64) response {
	if s.maxValueSize > 0 && int64(len(data)) > s.maxValueSize {
		return errResponse(kverrors.ValueTooLarge, "value exceeds max_value_size_bytes")
	}
	rec := record{data: append([]byte(nil), data...)}
	if ttlSeconds > 0 {
		rec.expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	s.mu.Lock()
	s.blobs[path] = rec
	s.mu.Unlock()
	return response{OK: true}
}

func (s *Server) handleRead(path string) response {
	s.mu.RLock()
	rec, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok || s.expired(rec) {
		return errResponse(kverrors.NotFound, path)
	}
	return response{OK: true, Data: rec.data}
}

func (s *Server) handleDelete(path string) response {
	s.mu.Lock()
	delete(s.blobs, path)
	s.mu.Unlock()
	return response{OK: true}
}

func (s *Server) handleExists(path string) response {
	s.mu.RLock()
	rec, ok := s.blobs[path]
	s.mu.RUnlock()
	return response{OK: true, Exists: ok && !s.expired(rec)}
}

func (s *Server) handleSize(path string) response {
	s.mu.RLock()
	rec, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok || s.expired(rec) {
		return errResponse(kverrors.NotFound, path)
	}
	return response{OK: true, Size: int64(len(rec.data))}
}

func (s *Server) expired(rec record) bool {
	return !rec.expiresAt.IsZero() && !time.Now().Before(rec.expiresAt)
}

// handleList collects every blob path under the db prefix while holding
// the server's read lock for the whole scan, then sorts them and returns
// at most filter.Limit paths after filter.Cursor.
func (s *Server) handleList(filter storage.ListFilter) response {
	prefix := filter.DB + "/"
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	s.mu.RLock()
	var all []string
	for path := range s.blobs {
		if strings.HasPrefix(path, prefix) {
			all = append(all, path)
		}
	}
	s.mu.RUnlock()
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
	done := end >= len(all)
	if end > len(all) {
		end = len(all)
	}
	page := append([]string(nil), all[start:end]...)
	next := ""
	if len(page) > 0 {
		next = page[len(page)-1]
	}
	return response{OK: true, ListPage: storage.ListPage{Paths: page, NextCursor: next, Done: done}}
}

func (s *Server) handleSetMetadata(rec *model.Metadata) response {
	if rec == nil {
		return errResponse(kverrors.InvalidArgument, "nil metadata")
	}
	k := model.Key{DB: rec.DB, Namespace: rec.Namespace, Key: rec.Key}
	s.mu.Lock()
	s.metas[k.CatalogID()] = metaEntry{meta: rec.Clone()}
	if rec.HasTTL() {
		if blob, ok := s.blobs[rec.Path]; ok {
			blob.expiresAt = rec.UpdatedAt.Add(time.Duration(rec.TTLSeconds) * time.Second)
			s.blobs[rec.Path] = blob
		}
	}
	s.mu.Unlock()
	return response{OK: true}
}

func (s *Server) handleGetMetadata(k model.Key) response {
	s.mu.RLock()
	entry, ok := s.metas[k.CatalogID()]
	s.mu.RUnlock()
	if !ok {
		return response{OK: true, Metadata: nil}
	}
	return response{OK: true, Metadata: entry.meta.Clone()}
}

func (s *Server) handleDeleteMetadata(k model.Key) response {
	s.mu.Lock()
	delete(s.metas, k.CatalogID())
	s.mu.Unlock()
	return response{OK: true}
}

func (s *Server) handleQueryMetadata(q storage.MetadataQuery) response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Metadata
	for _, entry := range s.metas {
		m := entry.meta
		if q.Namespace != "" && m.Namespace != q.Namespace {
			continue
		}
		if !hasAllTags(m, q.Tags) {
			continue
		}
		if q.MinSize != nil && m.Size < *q.MinSize {
			continue
		}
		if q.MaxSize != nil && m.Size > *q.MaxSize {
			continue
		}
		if q.HasTTL != nil && m.HasTTL() != *q.HasTTL {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return response{OK: true, Metadatas: out}
}

func hasAllTags(m *model.Metadata, tags []string) bool {
	for _, t := range tags {
		if _, ok := m.Tags[t]; !ok {
			return false
		}
	}
	return true
}

// handleCleanupExpired deletes every blob and metadata record whose TTL
// has elapsed. The networked backend honors its own native TTL here
// rather than delegating to a catalog.
func (s *Server) handleCleanupExpired() response {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed []*model.Metadata
	for id, entry := range s.metas {
		if entry.meta.Expired(now) {
			removed = append(removed, entry.meta.Clone())
			delete(s.metas, id)
			delete(s.blobs, entry.meta.Path)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	return response{OK: true, Metadatas: removed}
}
