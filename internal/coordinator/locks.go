package coordinator

import "sync"

// keyedLocks serializes state transitions per run without a global lock.
// Entries are reference counted and removed once the last holder leaves,
// so the map does not grow with run history.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() keyedLocks {
	return keyedLocks{locks: map[string]*lockEntry{}}
}

// lock acquires the lock for key and returns its release func.
func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
