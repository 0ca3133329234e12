// Package lockstripe implements the per-key fine-grained lock table.
// Entries carry a reference count and are deleted from the backing map as
// soon as the last holder releases the key, so the table never grows
// beyond the set of keys currently being operated on.
package lockstripe

import "sync"

type entry struct {
	mu  sync.Mutex
	ref int
}

// Table is a registry of per-key mutexes, reclaimed when unused.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable constructs an empty lock table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for id, creating its entry if necessary, and
// returns an unlock function the caller must invoke exactly once.
func (t *Table) Lock(id string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.ref++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.ref--
		if e.ref == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	}
}

// Len reports how many keys currently have a live entry (held or
// contended). Intended for tests asserting the table reclaims unused
// entries rather than leaking them.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
