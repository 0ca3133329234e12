// Package syncer implements the background synchronizer: a single
// ticker-loop goroutine that periodically flushes and TTL-sweeps every
// registered store.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/kvstore/pkg/kvlog"
	"golang.org/x/sync/errgroup"
)

// DefaultTTLInterval is how often the TTL sweep runs when not overridden.
const DefaultTTLInterval = 60 * time.Second

// Syncable is what a registered store exposes to the synchronizer.
type Syncable interface {
	// FlushIfReady drains the store's write buffer unconditionally; the
	// synchronizer itself is the time-based trigger.
	FlushIfReady(ctx context.Context) error
	// SweepExpired removes every TTL-expired record and returns how many
	// were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// Synchronizer periodically flushes and TTL-sweeps a set of registered
// stores on a single background goroutine.
type Synchronizer struct {
	flushInterval time.Duration
	ttlInterval   time.Duration

	mu     sync.Mutex
	stores map[string]Syncable

	stopCh  chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
	running bool

	lastSweep time.Time
}

// New constructs a Synchronizer. ttlInterval defaults to
// DefaultTTLInterval when zero.
func New(flushInterval, ttlInterval time.Duration) *Synchronizer {
	if ttlInterval <= 0 {
		ttlInterval = DefaultTTLInterval
	}
	return &Synchronizer{
		flushInterval: flushInterval,
		ttlInterval:   ttlInterval,
		stores:        make(map[string]Syncable),
	}
}

// Register adds a store under name; re-registering the same name replaces
// the prior store.
func (s *Synchronizer) Register(name string, store Syncable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[name] = store
}

// Unregister removes a store by name.
func (s *Synchronizer) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, name)
}

// Start launches the background loop. Calling Start on an already-running
// Synchronizer is a no-op.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.lastSweep = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop, performs one final flush+sweep, and joins the
// goroutine with a bounded timeout.
func (s *Synchronizer) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// Final flush + sweep, regardless of whether the sweep interval has
	// elapsed.
	s.tick(context.Background(), true)
}

func (s *Synchronizer) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(context.Background(), false)
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one flush-all pass, and a TTL sweep if due, fanning out
// across every registered store with per-store error isolation: one
// store's failure is logged and never aborts the rest of the sweep.
func (s *Synchronizer) tick(ctx context.Context, forceSweep bool) {
	s.mu.Lock()
	snapshot := make(map[string]Syncable, len(s.stores))
	for name, store := range s.stores {
		snapshot[name] = store
	}
	sweepDue := forceSweep || time.Since(s.lastSweep) >= s.ttlInterval
	if sweepDue {
		s.lastSweep = time.Now()
	}
	s.mu.Unlock()

	log := kvlog.WithComponent("syncer")

	var fg errgroup.Group
	for name, store := range snapshot {
		name, store := name, store
		fg.Go(func() error {
			start := time.Now()
			err := store.FlushIfReady(ctx)
			kvlog.Event(log, levelFor(err), "flush", time.Since(start), err == nil, map[string]any{"store": name})
			return nil // per-store errors are logged, never aggregated upward
		})
	}
	_ = fg.Wait()

	if !sweepDue {
		return
	}

	var sg errgroup.Group
	totalRemoved := 0
	var mu sync.Mutex
	for name, store := range snapshot {
		name, store := name, store
		sg.Go(func() error {
			start := time.Now()
			n, err := store.SweepExpired(ctx)
			kvlog.Event(log, levelFor(err), "ttl_sweep", time.Since(start), err == nil, map[string]any{"store": name, "removed": n})
			if err == nil {
				mu.Lock()
				totalRemoved += n
				mu.Unlock()
			}
			return nil
		})
	}
	_ = sg.Wait()
	kvlog.Event(log, kvlog.InfoLevel, "ttl_sweep_total", 0, true, map[string]any{"total_removed": totalRemoved})
}

func levelFor(err error) kvlog.Level {
	if err != nil {
		return kvlog.ErrorLevel
	}
	return kvlog.DebugLevel
}
