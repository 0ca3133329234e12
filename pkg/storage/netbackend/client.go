package netbackend

import (
	"context"
	"net"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/model"
	"github.com/cuemby/kvstore/pkg/storage"
	"github.com/cuemby/kvstore/pkg/wireframe"
)

// Options configures a Backend's connection pool.
type Options struct {
	PoolSize     int
	DialTimeout  time.Duration
	CheckoutWait time.Duration
}

// Backend is the networked-KV storage.Backend: every operation round-trips
// a request/response frame pair to a companion Server over a pooled
// connection.
type Backend struct {
	pool *pool
}

// New constructs a Backend dialing addr, per Options (zero-valued fields
// take pool.go's defaults).
func New(addr string, opts Options) *Backend {
	return &Backend{pool: newPool(addr, opts.PoolSize, opts.DialTimeout, opts.CheckoutWait)}
}

// Capabilities reports the networked-KV descriptor.
func (b *Backend) Capabilities() model.Capabilities {
	return model.Capabilities{
		SupportsBuffering:     false,
		WriteStrategy:         model.WriteImmediate,
		SupportsNativeTTL:     true,
		SupportsMetadata:      true,
		SupportsNativeQueries: false,
		IsDistributed:         true,
		SupportsCompression:   true,
		MaxValueSizeBytes:     DefaultMaxValueSizeBytes,
	}
}

// roundTrip checks out a pooled connection, writes req, reads the
// response, and returns the connection to the pool (or discards it if the
// round trip itself failed, since the connection's framing state is now
// unknown).
func (b *Backend) roundTrip(ctx context.Context, req request) (response, error) {
	conn, err := b.pool.checkout(ctx)
	if err != nil {
		return response{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	if err := wireframe.Write(conn, req); err != nil {
		b.pool.release(conn, false)
		return response{}, kverrors.Wrap(kverrors.BackendIO, "netbackend.roundTrip", "write request", err)
	}
	var resp response
	if err := wireframe.Read(conn, &resp); err != nil {
		b.pool.release(conn, false)
		return response{}, kverrors.Wrap(kverrors.BackendIO, "netbackend.roundTrip", "read response", err)
	}
	b.pool.release(conn, true)

	if !resp.OK {
		return resp, &kverrors.Error{Kind: kverrors.Kind(resp.ErrorKind), Op: "netbackend", Message: resp.ErrorMsg}
	}
	return resp, nil
}

// WriteData stores data at relativePath with no expiration.
func (b *Backend) WriteData(ctx context.Context, relativePath string, data []byte) error {
	_, err := b.roundTrip(ctx, request{Command: cmdWrite, Path: relativePath, Data: data})
	return err
}

// WriteDataTTL stores data at relativePath, expiring it after ttlSeconds,
// satisfying storage.NativeTTLWriter.
func (b *Backend) WriteDataTTL(ctx context.Context, relativePath string, data []byte, ttlSeconds int64) error {
	_, err := b.roundTrip(ctx, request{Command: cmdWriteTTL, Path: relativePath, Data: data, TTLSeconds: ttlSeconds})
	return err
}

// ReadData returns the bytes at relativePath, or NotFound if absent or
// expired.
func (b *Backend) ReadData(ctx context.Context, relativePath string) ([]byte, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdRead, Path: relativePath})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// DeleteFile removes relativePath; idempotent.
func (b *Backend) DeleteFile(ctx context.Context, relativePath string) error {
	_, err := b.roundTrip(ctx, request{Command: cmdDelete, Path: relativePath})
	return err
}

// FileExists reports whether relativePath currently exists and is unexpired.
func (b *Backend) FileExists(ctx context.Context, relativePath string) (bool, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdExists, Path: relativePath})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// GetFileSize returns the size in bytes of relativePath, or NotFound.
func (b *Backend) GetFileSize(ctx context.Context, relativePath string) (int64, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdSize, Path: relativePath})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// ListKeys performs one cursor-bounded scan page, round-tripping a
// bounded batch per call rather than returning the full key set at once.
func (b *Backend) ListKeys(ctx context.Context, filter storage.ListFilter) (storage.ListPage, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdList, ListFilter: filter})
	if err != nil {
		return storage.ListPage{}, err
	}
	return resp.ListPage, nil
}

// SetMetadata upserts rec natively on the server, satisfying
// storage.MetadataCapable.
func (b *Backend) SetMetadata(ctx context.Context, rec *model.Metadata) error {
	_, err := b.roundTrip(ctx, request{Command: cmdSetMetadata, Metadata: rec})
	return err
}

// GetMetadata returns k's record, or nil if absent.
func (b *Backend) GetMetadata(ctx context.Context, k model.Key) (*model.Metadata, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdGetMetadata, Key: k})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// DeleteMetadata removes k's record.
func (b *Backend) DeleteMetadata(ctx context.Context, k model.Key) error {
	_, err := b.roundTrip(ctx, request{Command: cmdDeleteMetadata, Key: k})
	return err
}

// QueryMetadata returns every record matching q, evaluated natively on the
// server, which applies the Namespace, Tags (all required), MinSize/MaxSize
// and HasTTL filters. KeyPattern is not evaluated by the server.
func (b *Backend) QueryMetadata(ctx context.Context, q storage.MetadataQuery) ([]*model.Metadata, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdQueryMetadata, Query: q})
	if err != nil {
		return nil, err
	}
	return resp.Metadatas, nil
}

// CleanupExpired asks the server to sweep and return every TTL-expired
// record it held natively.
func (b *Backend) CleanupExpired(ctx context.Context) ([]*model.Metadata, error) {
	resp, err := b.roundTrip(ctx, request{Command: cmdCleanupExpired})
	if err != nil {
		return nil, err
	}
	return resp.Metadatas, nil
}

// Close closes every pooled connection.
func (b *Backend) Close() error {
	b.pool.close()
	return nil
}

var (
	_ storage.Backend         = (*Backend)(nil)
	_ storage.MetadataCapable = (*Backend)(nil)
	_ storage.NativeTTLWriter = (*Backend)(nil)
)

// Dial opens a TCP connection to addr within timeout; cmd/kvstore uses it
// as a replication secondary's dialer to the primary.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}
