package replication

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []OpRecord
}

func (a *recordingApplier) ApplyLocal(ctx context.Context, rec OpRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, rec)
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

// connectPrimaryAndSecondary wires a Primary and a Secondary together over
// an in-memory net.Pipe, as if they were TCP peers.
func connectPrimaryAndSecondary(t *testing.T, primary *Primary, applier Applier) *Secondary {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	primary.AddReplica("test-replica", serverConn, 16)

	dialed := false
	sec := NewSecondary(applier, func(ctx context.Context) (net.Conn, error) {
		if dialed {
			return nil, context.Canceled
		}
		dialed = true
		return clientConn, nil
	})
	sec.Start(context.Background())
	t.Cleanup(sec.Stop)
	return sec
}

func TestBroadcastDeliversToSecondary(t *testing.T) {
	p := NewPrimary(100, time.Hour)
	applier := &recordingApplier{}
	connectPrimaryAndSecondary(t, p, applier)

	_, err := p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: "a", Value: []byte("1")})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return applier.count() >= 1 }, time.Second, 5*time.Millisecond)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	payload, err := applier.applied[0].DecodeSet()
	require.NoError(t, err)
	assert.Equal(t, "a", payload.Key)
}

func TestSequentialBroadcastsApplyInOrder(t *testing.T) {
	p := NewPrimary(100, time.Hour)
	applier := &recordingApplier{}
	connectPrimaryAndSecondary(t, p, applier)

	for i := 0; i < 5; i++ {
		_, err := p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: "k"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return applier.count() >= 5 }, time.Second, 5*time.Millisecond)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	for i, rec := range applier.applied {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}
}

func TestSecondaryCatchesUpFromRing(t *testing.T) {
	p := NewPrimary(100, time.Hour)
	for i := 0; i < 10; i++ {
		_, err := p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: fmt.Sprintf("k%d", i), Value: []byte("v")})
		require.NoError(t, err)
	}

	// The secondary connects only now; everything above must arrive via
	// its SYNC_REQUEST(0) catch-up, not live fan-out.
	applier := &recordingApplier{}
	sec := connectPrimaryAndSecondary(t, p, applier)

	require.Eventually(t, func() bool { return applier.count() >= 10 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 10, sec.LastApplied())

	_, err := p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: "k10", Value: []byte("v")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sec.LastApplied() == 11 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatDoesNotConsumeSequence(t *testing.T) {
	p := NewPrimary(100, 10*time.Millisecond)
	p.Start()
	defer p.Stop()

	applier := &recordingApplier{}
	sec := connectPrimaryAndSecondary(t, p, applier)

	_, err := p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sec.LastApplied() == 1 }, time.Second, 5*time.Millisecond)

	// Let several heartbeats fire, then broadcast again: the next real
	// operation must be sequence 2, with no gap for the secondary.
	time.Sleep(50 * time.Millisecond)
	_, err = p.Broadcast(OpSet, SetPayload{DB: "d", Namespace: "n", Key: "b", Value: []byte("2")})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sec.LastApplied() == 2 }, time.Second, 5*time.Millisecond)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.applied, 2)
	assert.Equal(t, int64(1), applier.applied[0].Sequence)
	assert.Equal(t, int64(2), applier.applied[1].Sequence)
}

func TestRingServesCatchUpSinceSequence(t *testing.T) {
	r := NewRing(10)
	for i := int64(1); i <= 5; i++ {
		r.Append(OpRecord{Sequence: i})
	}
	records, ok := r.Since(2)
	require.True(t, ok)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].Sequence)
}

func TestRingReportsOutOfRangeAfterEviction(t *testing.T) {
	r := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		r.Append(OpRecord{Sequence: i})
	}
	_, ok := r.Since(1)
	assert.False(t, ok, "sequence 1 was evicted once the ring wrapped past capacity 3")

	records, ok := r.Since(3)
	require.True(t, ok)
	assert.Len(t, records, 2)
}

func TestOpRecordChecksumDetectsTampering(t *testing.T) {
	rec, err := NewOpRecord(OpSet, 1, SetPayload{Key: "a", Value: []byte("v")})
	require.NoError(t, err)
	assert.True(t, rec.VerifyChecksum())

	rec.Payload = []byte(`{"key":"tampered"}`)
	assert.False(t, rec.VerifyChecksum())
}
