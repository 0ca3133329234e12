// Package backup implements the Backup Manager: full and
// incremental snapshots of a (db, namespace) scope, each written as a
// directory containing a header.json describing the archive and an
// entries.log stream of length-prefixed entry records, optionally
// S2-compressed, with SHA-256 checksums covering both individual entries
// and the archive as a whole.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/wireframe"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
)

// Type distinguishes a full snapshot from an incremental one.
type Type string

const (
	Full        Type = "full"
	Incremental Type = "incremental"
)

// Header is the archive's header.json.
type Header struct {
	BackupID        string    `json:"backup_id"`
	Timestamp       time.Time `json:"timestamp"`
	Type            Type      `json:"type"`
	SourceDB        string    `json:"source_db"`
	SourceNamespace string    `json:"source_ns"`
	Parent          *string   `json:"parent,omitempty"`
	FileCount       int       `json:"file_count"`
	TotalSize       int64     `json:"total_size"`
	Compression     bool      `json:"compression"`
	ArchiveChecksum string    `json:"archive_checksum"`
}

// Entry is one record in entries.log: a single key's full state at backup
// time, plus its own SHA-256 checksum over Value.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	TTL       int64     `json:"ttl_seconds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"last_updated"`
	Checksum  string    `json:"checksum"`
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Source is what the Store Facade implements so the backup manager can
// enumerate and apply entries without importing the store package.
type Source interface {
	// ListEntries returns every entry in (db, ns); if since is non-nil,
	// only entries whose UpdatedAt is strictly after it are returned
	// ("last_updated > parent.timestamp").
	ListEntries(ctx context.Context, db, namespace string, since *time.Time) ([]Entry, error)
	// ClearNamespace deletes every key in (db, ns), used by Restore when
	// clear_existing is requested.
	ClearNamespace(ctx context.Context, db, namespace string) error
	// ApplyEntry writes one restored entry back into (db, ns), preserving
	// its tags, ttl, and timestamps.
	ApplyEntry(ctx context.Context, db, namespace string, e Entry) error
}

// Manager performs backup/restore operations against a backup_root
// directory tree and a Source.
type Manager struct {
	root   string
	source Source
}

// New constructs a Manager rooted at root, operating against source.
func New(root string, source Source) *Manager {
	return &Manager{root: root, source: source}
}

func (m *Manager) dir(backupID string) string {
	return filepath.Join(m.root, backupID)
}

// writeArchive enumerates entries (already filtered by the caller), writes
// them to entries.log under dir, computing the archive checksum over the
// concatenation of entry checksums (cheap, order-stable, and sufficient to
// detect truncation or tampering without re-hashing every value twice).
func writeArchive(dir string, entries []Entry, compress bool) (totalSize int64, archiveChecksum string, err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, "", kverrors.Wrap(kverrors.BackendIO, "backup.writeArchive", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, "entries.log"))
	if err != nil {
		return 0, "", kverrors.Wrap(kverrors.BackendIO, "backup.writeArchive", "create entries.log", err)
	}
	defer f.Close()

	h := sha256.New()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for i := range entries {
		entries[i].Checksum = checksum(entries[i].Value)
		totalSize += int64(len(entries[i].Value))
		h.Write([]byte(entries[i].Checksum))

		payload := entries[i]
		if compress {
			payload.Value = s2.Encode(nil, entries[i].Value)
		}
		if err := wireframe.Write(f, payload); err != nil {
			return 0, "", kverrors.Wrap(kverrors.BackendIO, "backup.writeArchive", "write entry", err)
		}
	}
	return totalSize, hex.EncodeToString(h.Sum(nil)), nil
}

func writeHeader(dir string, hdr Header) error {
	f, err := os.Create(filepath.Join(dir, "header.json"))
	if err != nil {
		return kverrors.Wrap(kverrors.BackendIO, "backup.writeHeader", dir, err)
	}
	defer f.Close()
	return wireframe.Write(f, hdr)
}

func readHeader(dir string) (Header, error) {
	f, err := os.Open(filepath.Join(dir, "header.json"))
	if err != nil {
		return Header{}, kverrors.Wrap(kverrors.BackendIO, "backup.readHeader", dir, err)
	}
	defer f.Close()
	var hdr Header
	if err := wireframe.Read(f, &hdr); err != nil {
		return Header{}, kverrors.Wrap(kverrors.Corruption, "backup.readHeader", dir, err)
	}
	return hdr, nil
}

// readEntries reads every entry from dir's entries.log, decompressing
// values when the header says the archive is compressed.
func readEntries(dir string, compressed bool) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, "entries.log"))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.BackendIO, "backup.readEntries", dir, err)
	}
	defer f.Close()

	br := wireframe.NewBufferedReader(f)
	var entries []Entry
	for {
		var e Entry
		if err := wireframe.Read(br, &e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, kverrors.Wrap(kverrors.Corruption, "backup.readEntries", dir, err)
		}
		if compressed {
			raw, derr := s2.Decode(nil, e.Value)
			if derr != nil {
				return nil, kverrors.Wrap(kverrors.Corruption, "backup.readEntries", e.Key, derr)
			}
			e.Value = raw
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FullBackup enumerates every key in (db, namespace) and writes a full
// archive.
func (m *Manager) FullBackup(ctx context.Context, db, namespace string, compress bool) (Header, error) {
	entries, err := m.source.ListEntries(ctx, db, namespace, nil)
	if err != nil {
		return Header{}, err
	}
	return m.writeBackup(db, namespace, Full, nil, entries, compress)
}

// IncrementalBackup enumerates keys updated after parent's timestamp and
// writes an incremental archive chained to parentBackupID.
func (m *Manager) IncrementalBackup(ctx context.Context, db, namespace, parentBackupID string, compress bool) (Header, error) {
	parent, err := readHeader(m.dir(parentBackupID))
	if err != nil {
		return Header{}, err
	}
	since := parent.Timestamp
	entries, err := m.source.ListEntries(ctx, db, namespace, &since)
	if err != nil {
		return Header{}, err
	}
	return m.writeBackup(db, namespace, Incremental, &parentBackupID, entries, compress)
}

func (m *Manager) writeBackup(db, namespace string, typ Type, parent *string, entries []Entry, compress bool) (Header, error) {
	id := uuid.NewString()
	dir := m.dir(id)

	totalSize, archiveChecksum, err := writeArchive(dir, entries, compress)
	if err != nil {
		return Header{}, err
	}

	hdr := Header{
		BackupID:        id,
		Timestamp:       timeNow(),
		Type:            typ,
		SourceDB:        db,
		SourceNamespace: namespace,
		Parent:          parent,
		FileCount:       len(entries),
		TotalSize:       totalSize,
		Compression:     compress,
		ArchiveChecksum: archiveChecksum,
	}
	if err := writeHeader(dir, hdr); err != nil {
		return Header{}, err
	}
	return hdr, nil
}

// Verify re-reads an archive and recomputes every checksum, returning true
// iff every entry checksum and the overall archive checksum still match.
func (m *Manager) Verify(backupID string) (bool, error) {
	dir := m.dir(backupID)
	hdr, err := readHeader(dir)
	if err != nil {
		return false, err
	}
	entries, err := readEntries(dir, hdr.Compression)
	if err != nil {
		return false, err
	}

	h := sha256.New()
	for _, e := range entries {
		if checksum(e.Value) != e.Checksum {
			return false, nil
		}
		h.Write([]byte(e.Checksum))
	}
	return hex.EncodeToString(h.Sum(nil)) == hdr.ArchiveChecksum, nil
}

// RestoreOptions configures a Restore call.
type RestoreOptions struct {
	Verify        bool
	ClearExisting bool
}

// Restore applies backupID to its source (db, namespace), walking the
// incremental chain from the earliest full ancestor forward and applying
// each snapshot's entries over the previous one.
func (m *Manager) Restore(ctx context.Context, backupID string, opts RestoreOptions) error {
	chain, err := m.resolveChain(backupID)
	if err != nil {
		return err
	}

	if opts.Verify {
		for _, hdr := range chain {
			ok, err := m.Verify(hdr.BackupID)
			if err != nil {
				return err
			}
			if !ok {
				return kverrors.New(kverrors.Corruption, "backup.Restore", "checksum mismatch in backup "+hdr.BackupID)
			}
		}
	}

	first := chain[0]
	if opts.ClearExisting {
		if err := m.source.ClearNamespace(ctx, first.SourceDB, first.SourceNamespace); err != nil {
			return err
		}
	}

	for _, hdr := range chain {
		entries, err := readEntries(m.dir(hdr.BackupID), hdr.Compression)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := m.source.ApplyEntry(ctx, hdr.SourceDB, hdr.SourceNamespace, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveChain walks parent pointers from backupID back to its full
// ancestor, then returns the chain oldest-first.
func (m *Manager) resolveChain(backupID string) ([]Header, error) {
	var chain []Header
	id := backupID
	for {
		hdr, err := readHeader(m.dir(id))
		if err != nil {
			return nil, err
		}
		chain = append(chain, hdr)
		if hdr.Type == Full || hdr.Parent == nil {
			break
		}
		id = *hdr.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// CleanupOldBackups removes backups older than keepDays while always
// retaining at least keepCount most recent ones regardless of age: age
// alone never evicts enough backups to drop below keepCount.
func (m *Manager) CleanupOldBackups(keepDays, keepCount int) ([]string, error) {
	dirEntries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kverrors.Wrap(kverrors.BackendIO, "backup.CleanupOldBackups", m.root, err)
	}

	type candidate struct {
		id  string
		hdr Header
	}
	var all []candidate
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		hdr, err := readHeader(m.dir(de.Name()))
		if err != nil {
			continue
		}
		all = append(all, candidate{id: de.Name(), hdr: hdr})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].hdr.Timestamp.After(all[j].hdr.Timestamp) })

	cutoff := timeNow().AddDate(0, 0, -keepDays)
	var removed []string
	for i, c := range all {
		if i < keepCount {
			continue
		}
		if c.hdr.Timestamp.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(m.dir(c.id)); err != nil {
			return removed, kverrors.Wrap(kverrors.BackendIO, "backup.CleanupOldBackups", c.id, err)
		}
		removed = append(removed, c.id)
	}
	return removed, nil
}

// timeNow is a seam for tests; production code always uses time.Now.
var timeNow = time.Now
