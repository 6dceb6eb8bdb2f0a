// internal/locks/locks.go

// Package locks provides a registry of mutexes keyed by an arbitrary
// comparable value. The state store uses it for per-user critical sections;
// the scheduler uses it for per-order sections shared between the poll loop
// and cancellation.
package locks

import "sync"

type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

func NewMap[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use. Entries are
// never evicted; the key space (users, orders) is small enough that this
// does not matter in practice.
func (m *Map[K]) Lock(key K) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
}

func (m *Map[K]) Unlock(key K) {
	m.mu.Lock()
	l := m.locks[key]
	m.mu.Unlock()
	if l != nil {
		l.Unlock()
	}
}
