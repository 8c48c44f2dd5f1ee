package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const BackendLocal = "local"

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// LocalLocker holds one single-slot semaphore per key inside this process.
// Entries are dropped once no caller holds or waits for them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

func (l *LocalLocker) Backend() string { return BackendLocal }

func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	entry := l.acquireEntry(key)
	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.releaseEntry(key, entry)
		return nil, waitError(ctx, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.releaseEntry(key, entry)
		})
	}, nil
}

func (l *LocalLocker) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) releaseEntry(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
