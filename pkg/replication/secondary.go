package replication

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/kvstore/pkg/kverrors"
	"github.com/cuemby/kvstore/pkg/kvlog"
	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/wireframe"
)

// Applier is what the Store Facade implements so a secondary can apply
// received operations locally without re-entering the replication
// broadcast path ("secondary must never re-broadcast").
type Applier interface {
	ApplyLocal(ctx context.Context, rec OpRecord) error
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Secondary connects to a primary, requests catch-up from its
// last-applied sequence, and applies the resulting stream in order.
type Secondary struct {
	applier Applier
	dial    func(ctx context.Context) (net.Conn, error)

	lastApplied atomic.Int64

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	// onResync is set by tests to observe resync requests without a real
	// network round trip.
	onResync func(fromSeq int64)
}

// NewSecondary constructs a Secondary that dials new connections via dial
// and applies received operations via applier.
func NewSecondary(applier Applier, dial func(ctx context.Context) (net.Conn, error)) *Secondary {
	return &Secondary{applier: applier, dial: dial}
}

// LastApplied reports the highest sequence number applied so far.
func (s *Secondary) LastApplied() int64 { return s.lastApplied.Load() }

// Start launches the reconnect loop. Idempotent.
func (s *Secondary) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop(ctx)
}

// Stop signals the reconnect loop to exit and waits for it to finish.
func (s *Secondary) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Secondary) connectLoop(ctx context.Context) {
	defer s.wg.Done()
	backoff := minBackoff
	log := kvlog.WithComponent("replication.secondary")

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			kvlog.Event(log, kvlog.WarnLevel, "connect", 0, false, map[string]any{"error": err.Error(), "backoff_ms": backoff.Milliseconds()})
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		if err := s.handleConn(ctx, conn); err != nil {
			kvlog.Event(log, kvlog.WarnLevel, "connection_lost", 0, false, map[string]any{"error": err.Error()})
		}
		_ = conn.Close()

		if !s.sleep(backoff) {
			return
		}
	}
}

// sleep blocks for d unless the secondary is stopped first, returning
// false when interrupted by Stop. It does not watch ctx; connectLoop
// checks ctx before each connection attempt.
func (s *Secondary) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

func (s *Secondary) handleConn(ctx context.Context, conn net.Conn) error {
	// Close conn on Stop or ctx cancellation so a blocking Read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		case <-done:
			return
		}
		_ = conn.Close()
	}()

	if err := s.requestSync(conn, s.lastApplied.Load()); err != nil {
		return err
	}

	br := wireframe.NewBufferedReader(conn)
	log := kvlog.WithComponent("replication.secondary")

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		var rec OpRecord
		if err := wireframe.Read(br, &rec); err != nil {
			return err
		}

		switch rec.OpType {
		case OpHeartbeat:
			continue
		case OpSyncResponse:
			resp, err := decodeSyncResponse(rec)
			if err == nil && resp.OutOfRange {
				return kverrors.New(kverrors.Corruption, "replication.Secondary", "primary reports sequence out of range; full resync required")
			}
			continue
		}

		if !rec.VerifyChecksum() {
			kvmetrics.ReplicationChecksumMismatchTotal.Inc()
			kvlog.Event(log, kvlog.ErrorLevel, "checksum_mismatch", 0, false, map[string]any{"sequence": rec.Sequence})
			continue
		}

		applied := s.lastApplied.Load()
		if rec.Sequence <= applied {
			continue // already applied, a harmless replay from a prior gap
		}
		if rec.Sequence != applied+1 {
			kvlog.Event(log, kvlog.WarnLevel, "sequence_gap", 0, false, map[string]any{"expected": applied + 1, "got": rec.Sequence})
			if err := s.requestSync(conn, applied); err != nil {
				return err
			}
			continue
		}

		if err := s.applier.ApplyLocal(ctx, rec); err != nil {
			kvlog.Event(log, kvlog.ErrorLevel, "apply", 0, false, map[string]any{"sequence": rec.Sequence, "error": err.Error()})
			continue
		}
		s.lastApplied.Store(rec.Sequence)
	}
}

func (s *Secondary) requestSync(conn net.Conn, fromSeq int64) error {
	if s.onResync != nil {
		s.onResync(fromSeq)
	}
	req, err := NewOpRecord(OpSyncRequest, 0, SyncRequestPayload{FromSequence: fromSeq})
	if err != nil {
		return err
	}
	return wireframe.Write(conn, req)
}

func decodeSyncResponse(rec OpRecord) (SyncResponsePayload, error) {
	var p SyncResponsePayload
	err := unmarshalPayload(rec, &p)
	return p, err
}
