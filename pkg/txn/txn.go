// Package txn implements the Transaction Manager: a queue
// of intended operations plus a snapshot of each touched key's original
// value/tags/ttl, applied atomically on commit or restored on rollback.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/kvstore/pkg/kverrors"
)

// State is a transaction's position in its ACTIVE -> COMMITTED|ROLLED_BACK
// lifecycle. A transaction can only advance; it is never reused after
// terminating.
type State string

const (
	Active     State = "active"
	Committed  State = "committed"
	RolledBack State = "rolled_back"
)

// Record is the value+tags+ttl snapshot taken the first time a
// transaction touches a key, with Exists false if the key did not exist.
type Record struct {
	Exists bool
	Value  []byte
	Tags   []string
	TTL    int64
}

// opKind distinguishes the two mutating operations a transaction can queue.
type opKind int

const (
	opSet opKind = iota
	opDelete
)

type operation struct {
	kind  opKind
	key   string
	value []byte
	tags  []string
	ttl   int64
}

// Backing is the interface the store provides so the transaction manager
// can read current records and apply queued operations, without txn
// importing the store package (which would create an import cycle, since
// the store is what constructs transactions).
type Backing interface {
	ReadRecord(ctx context.Context, key string) (Record, error)
	ApplySet(ctx context.Context, key string, value []byte, tags []string, ttl int64) error
	ApplyDelete(ctx context.Context, key string) error
}

// Transaction is a scoped unit of work bound to a single store instance.
type Transaction struct {
	mu       sync.Mutex
	backing  Backing
	state    State
	ops      []operation
	snapshot map[string]Record
	order    []string // insertion order of first-touched keys, for reverse rollback
}

// Begin starts a new ACTIVE transaction against backing. Nested
// transactions are not supported by this package's API surface: a second
// Begin against the same logical scope is the caller's responsibility to
// prevent (the Store Facade enforces this, by refusing
// to start a transaction from a context that already carries one).
func Begin(backing Backing) *Transaction {
	return &Transaction{
		backing:  backing,
		state:    Active,
		snapshot: make(map[string]Record),
	}
}

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) requireActive(op string) error {
	if t.state != Active {
		return kverrors.New(kverrors.InvalidState, "txn."+op, fmt.Sprintf("transaction is %s, not active", t.state))
	}
	return nil
}

// touch records the pre-transaction snapshot for key the first time it is
// touched step 1.
func (t *Transaction) touch(ctx context.Context, key string) error {
	if _, seen := t.snapshot[key]; seen {
		return nil
	}
	rec, err := t.backing.ReadRecord(ctx, key)
	if err != nil {
		return err
	}
	t.snapshot[key] = rec
	t.order = append(t.order, key)
	return nil
}

// Set enqueues a set operation; it is not applied until Commit.
func (t *Transaction) Set(ctx context.Context, key string, value []byte, tags []string, ttl int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("Set"); err != nil {
		return err
	}
	if err := t.touch(ctx, key); err != nil {
		return err
	}
	t.ops = append(t.ops, operation{kind: opSet, key: key, value: value, tags: tags, ttl: ttl})
	return nil
}

// Delete enqueues a delete operation; it is not applied until Commit.
func (t *Transaction) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("Delete"); err != nil {
		return err
	}
	if err := t.touch(ctx, key); err != nil {
		return err
	}
	t.ops = append(t.ops, operation{kind: opDelete, key: key})
	return nil
}

// Commit applies every queued operation in order. If any apply step
// fails, previously applied operations from this commit are undone from
// the snapshot in reverse order, the transaction is marked ROLLED_BACK,
// and the original error is returned (step 3).
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("Commit"); err != nil {
		return err
	}

	applied := 0
	var applyErr error
	for _, op := range t.ops {
		if err := t.apply(ctx, op); err != nil {
			applyErr = err
			break
		}
		applied++
	}

	if applyErr != nil {
		for i := applied - 1; i >= 0; i-- {
			t.restore(ctx, t.ops[i].key)
		}
		t.state = RolledBack
		return applyErr
	}

	t.state = Committed
	return nil
}

func (t *Transaction) apply(ctx context.Context, op operation) error {
	switch op.kind {
	case opSet:
		return t.backing.ApplySet(ctx, op.key, op.value, op.tags, op.ttl)
	case opDelete:
		return t.backing.ApplyDelete(ctx, op.key)
	default:
		return kverrors.New(kverrors.InvalidState, "txn.apply", "unknown operation kind")
	}
}

// Rollback restores every touched key to its pre-transaction snapshot, in
// reverse insertion order step 4. Safe to call whether
// or not any operation has actually been applied by the caller (the Store
// Facade calls Rollback instead of Commit, never both).
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive("Rollback"); err != nil {
		return err
	}
	for i := len(t.order) - 1; i >= 0; i-- {
		t.restore(ctx, t.order[i])
	}
	t.state = RolledBack
	return nil
}

func (t *Transaction) restore(ctx context.Context, key string) {
	rec := t.snapshot[key]
	if rec.Exists {
		_ = t.backing.ApplySet(ctx, key, rec.Value, rec.Tags, rec.TTL)
	} else {
		_ = t.backing.ApplyDelete(ctx, key)
	}
}
