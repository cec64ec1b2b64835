package shard

import "sync"

// Locker hands out one mutex per key. An entry lives only while some caller
// holds or waits for it, so keys that are no longer used take no memory.
type Locker struct {
	entries *Map[*lockEntry]
}

type lockEntry struct {
	mu   sync.Mutex
	refs int // guarded by the shard lock of the entry's key
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{entries: New[*lockEntry]()}
}

// Lock blocks until the mutex for key is held and returns its release func.
func (l *Locker) Lock(key string) (unlock func()) {
	var e *lockEntry
	l.entries.Update(key, func(cur *lockEntry, ok bool) (*lockEntry, bool) {
		if !ok {
			cur = &lockEntry{}
		}
		cur.refs++
		e = cur
		return cur, true
	})
	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.entries.Update(key, func(cur *lockEntry, ok bool) (*lockEntry, bool) {
			cur.refs--
			return cur, cur.refs > 0
		})
	}
}
