package ledger

import (
	"sort"
	"sync"
)

// keyedMutex serializes work per key. Entries are dropped when no holder or
// waiter remains, so the map only grows with in-flight keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll locks every distinct key in sorted order to avoid lock-order
// inversions between concurrent multi-key operations.
func (k *keyedMutex) LockAll(keys []string) func() {
	uniq := make(map[string]bool, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if !uniq[key] {
			uniq[key] = true
			sorted = append(sorted, key)
		}
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, key := range sorted {
		unlocks = append(unlocks, k.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func reservationKey(id ReservationID) string { return "reservation:" + string(id) }
func linkKey(id LinkID) string               { return "link:" + string(id) }
