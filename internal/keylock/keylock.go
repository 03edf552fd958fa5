// Package keylock provides reference-counted read/write locks keyed by string.
// Entries exist only while someone holds or waits for them.
package keylock

import "sync"

type entry struct {
	rw   sync.RWMutex
	refs int
}

// Table is a set of named locks. The zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (t *Table) acquire(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) release(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock takes the exclusive lock for key and returns its release function.
func (t *Table) Lock(key string) func() {
	e := t.acquire(key)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		t.release(key, e)
	}
}

// RLock takes the shared lock for key and returns its release function.
func (t *Table) RLock(key string) func() {
	e := t.acquire(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		t.release(key, e)
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
