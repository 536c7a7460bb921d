package reconcile

import (
	"sort"
	"sync"
)

// keyedLock serializes work per identity key. Entries are reference counted so the
// map only holds keys that are locked or awaited.
type keyedLock struct {
	mu      sync.Mutex
	entries map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[string]*keyedLockEntry)}
}

// lock acquires every key in sorted order and returns the matching unlock.
func (l *keyedLock) lock(keys []string) func() {
	ordered := uniqueSorted(keys)
	acquired := make([]*keyedLockEntry, 0, len(ordered))
	for _, key := range ordered {
		l.mu.Lock()
		entry, ok := l.entries[key]
		if !ok {
			entry = &keyedLockEntry{}
			l.entries[key] = entry
		}
		entry.refs++
		l.mu.Unlock()

		entry.mu.Lock()
		acquired = append(acquired, entry)
	}

	return func() {
		for index := len(acquired) - 1; index >= 0; index-- {
			entry := acquired[index]
			entry.mu.Unlock()

			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.entries, ordered[index])
			}
			l.mu.Unlock()
		}
	}
}

func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)
	return unique
}

// covers reports whether every key of needed is already in held.
func covers(held, needed []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, key := range held {
		set[key] = struct{}{}
	}
	for _, key := range needed {
		if _, ok := set[key]; !ok {
			return false
		}
	}
	return true
}
