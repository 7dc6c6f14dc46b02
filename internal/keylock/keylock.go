// Package keylock provides per-key mutual exclusion.
package keylock

import "sync"

// Locks hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits for them.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock set.
func New() *Locks {
	return &Locks{locks: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *Locks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &entry{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are held or waited on.
func (k *Locks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
