package ledger

import "sync"

// keyMutex hands out one mutex per ledger key. Different keys lock
// independently so adjustments for unrelated (product, location) pairs
// proceed in parallel; an entry exists only while someone holds or
// waits on it.
type keyMutex struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[Key]*keyLock)}
}

// Lock blocks until the key's mutex is held and returns the release
// func. Callers must release exactly once.
func (m *keyMutex) Lock(key Key) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}
