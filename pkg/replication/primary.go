package replication

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/kvstore/pkg/kvlog"
	"github.com/cuemby/kvstore/pkg/kvmetrics"
	"github.com/cuemby/kvstore/pkg/wireframe"
)

// DefaultHeartbeatInterval is how often the primary pings its replicas.
const DefaultHeartbeatInterval = 5 * time.Second

// ReplicaStats is the per-replica counters the primary tracks: a send
// queue, a last-acknowledged sequence, and counters (sent, bytes_sent).
type ReplicaStats struct {
	Sent       int64
	BytesSent  int64
	LastAcked  int64
	LastSeenAt time.Time
	Stale      bool
}

// replicaConn is one connected replica's send queue and bookkeeping.
type replicaConn struct {
	id    string
	conn  net.Conn
	queue chan OpRecord

	sent      int64
	bytesSent int64
	lastAcked int64
	lastSeen  atomic.Int64 // unix nanos

	closeOnce sync.Once
	done      chan struct{}
}

// Primary broadcasts ordered operations to every connected replica and
// serves SYNC_REQUEST catch-up from its in-memory ring.
type Primary struct {
	mu       sync.Mutex
	seq      int64
	ring     *Ring
	replicas map[string]*replicaConn

	heartbeatInterval time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
	started           bool
}

// NewPrimary constructs a Primary with the given ring capacity and
// heartbeat interval; zero values take the package defaults.
func NewPrimary(ringSize int, heartbeatInterval time.Duration) *Primary {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Primary{
		ring:              NewRing(ringSize),
		replicas:          make(map[string]*replicaConn),
		heartbeatInterval: heartbeatInterval,
	}
}

// Start launches the heartbeat loop. Idempotent.
func (p *Primary) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.heartbeatLoop()
}

// Stop halts the heartbeat loop and disconnects every replica.
func (p *Primary) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	replicas := make([]*replicaConn, 0, len(p.replicas))
	for _, rc := range p.replicas {
		replicas = append(replicas, rc)
	}
	p.mu.Unlock()

	for _, rc := range replicas {
		rc.close()
	}
	p.wg.Wait()
}

func (p *Primary) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Heartbeats carry the current sequence without consuming one:
			// they are never appended to the ring, so minting a fresh
			// sequence here would open a permanent gap in the stream every
			// secondary sees.
			rec, err := NewOpRecord(OpHeartbeat, p.currentSeq(), nil)
			if err == nil {
				p.fanOut(rec)
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Primary) nextSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

func (p *Primary) currentSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Broadcast assigns the next sequence number to a SET or DELETE operation,
// appends it to the ring, and enqueues it to every connected replica.
func (p *Primary) Broadcast(opType OpType, payload any) (OpRecord, error) {
	rec, err := NewOpRecord(opType, p.nextSeq(), payload)
	if err != nil {
		return OpRecord{}, err
	}
	p.ring.Append(rec)
	p.fanOut(rec)
	return rec, nil
}

func (p *Primary) fanOut(rec OpRecord) {
	p.mu.Lock()
	replicas := make([]*replicaConn, 0, len(p.replicas))
	for _, rc := range p.replicas {
		replicas = append(replicas, rc)
	}
	p.mu.Unlock()

	for _, rc := range replicas {
		select {
		case rc.queue <- rec:
		default:
			// Queue full: the replica is lagging badly. Drop rather than
			// block the fan-out of every other replica; the gap is closed
			// by the replica's own SYNC_REQUEST on next reconnect or
			// checksum/sequence mismatch.
			kvlog.Event(kvlog.WithComponent("replication.primary"), kvlog.WarnLevel, "replica_queue_full", 0, false, map[string]any{"replica": rc.id})
		}
	}
}

// AddReplica registers a newly connected replica and starts its writer and
// reader goroutines. queueSize bounds the per-replica send queue.
func (p *Primary) AddReplica(id string, conn net.Conn, queueSize int) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	rc := &replicaConn{
		id:    id,
		conn:  conn,
		queue: make(chan OpRecord, queueSize),
		done:  make(chan struct{}),
	}
	rc.lastSeen.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.replicas[id] = rc
	p.mu.Unlock()

	p.wg.Add(2)
	go p.writeLoop(rc)
	go p.readLoop(rc)
}

// RemoveReplica disconnects and forgets replica id.
func (p *Primary) RemoveReplica(id string) {
	p.mu.Lock()
	rc, ok := p.replicas[id]
	delete(p.replicas, id)
	p.mu.Unlock()
	if ok {
		rc.close()
	}
}

func (rc *replicaConn) close() {
	rc.closeOnce.Do(func() {
		close(rc.done)
		_ = rc.conn.Close()
	})
}

func (p *Primary) writeLoop(rc *replicaConn) {
	defer p.wg.Done()
	for {
		select {
		case rec := <-rc.queue:
			body, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := wireframe.WriteRaw(rc.conn, body); err != nil {
				kvlog.Event(kvlog.WithComponent("replication.primary"), kvlog.ErrorLevel, "write", 0, false, map[string]any{"replica": rc.id, "error": err.Error()})
				p.RemoveReplica(rc.id)
				return
			}
			atomic.AddInt64(&rc.sent, 1)
			atomic.AddInt64(&rc.bytesSent, int64(len(body)+4))
			kvmetrics.ReplicationOpsSent.WithLabelValues(rc.id).Inc()
			kvmetrics.ReplicationBytesSent.WithLabelValues(rc.id).Add(float64(len(body) + 4))
		case <-rc.done:
			return
		}
	}
}

func (p *Primary) readLoop(rc *replicaConn) {
	defer p.wg.Done()
	br := wireframe.NewBufferedReader(rc.conn)
	for {
		var rec OpRecord
		if err := wireframe.Read(br, &rec); err != nil {
			p.RemoveReplica(rc.id)
			return
		}
		rc.lastSeen.Store(time.Now().UnixNano())

		if rec.OpType == OpSyncRequest {
			p.handleSyncRequest(rc, rec)
		}
	}
}

func (p *Primary) handleSyncRequest(rc *replicaConn, req OpRecord) {
	sreq, err := req.DecodeSyncRequest()
	if err != nil {
		return
	}
	// A sync request is the replica's acknowledgment of everything up to
	// and including from_sequence.
	atomic.StoreInt64(&rc.lastAcked, sreq.FromSequence)
	kvmetrics.ReplicationLagSequences.WithLabelValues(rc.id).Set(float64(p.ring.Latest() - sreq.FromSequence))
	records, ok := p.ring.Since(sreq.FromSequence)
	if !ok {
		resp, _ := NewOpRecord(OpSyncResponse, p.ring.Latest(), SyncResponsePayload{OutOfRange: true})
		select {
		case rc.queue <- resp:
		default:
		}
		return
	}
	for _, rec := range records {
		select {
		case rc.queue <- rec:
		default:
			return
		}
	}
}

// Stats reports the current counters for replica id.
func (p *Primary) Stats(id string) (ReplicaStats, bool) {
	p.mu.Lock()
	rc, ok := p.replicas[id]
	p.mu.Unlock()
	if !ok {
		return ReplicaStats{}, false
	}
	lastSeen := time.Unix(0, rc.lastSeen.Load())
	stale := time.Since(lastSeen) > 3*p.heartbeatInterval
	return ReplicaStats{
		Sent:       atomic.LoadInt64(&rc.sent),
		BytesSent:  atomic.LoadInt64(&rc.bytesSent),
		LastAcked:  atomic.LoadInt64(&rc.lastAcked),
		LastSeenAt: lastSeen,
		Stale:      stale,
	}, true
}

// ReplicaIDs lists currently connected replica identifiers.
func (p *Primary) ReplicaIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.replicas))
	for id := range p.replicas {
		ids = append(ids, id)
	}
	return ids
}

// Serve accepts connections on ln, registering each as a replica keyed by
// its remote address, until ctx is canceled or ln is closed.
func (p *Primary) Serve(ctx context.Context, ln net.Listener) error {
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
		p.AddReplica(conn.RemoteAddr().String(), conn, 0)
	}
}
