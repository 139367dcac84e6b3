// Package lock provides keyed mutual exclusion for the booking service.
//
// Keys are always acquired in sorted order so two callers asking for
// overlapping key sets cannot deadlock each other.
package lock

import (
	"context"
	"sort"
	"sync"
)

type localEntry struct {
	slot    chan struct{}
	holders int
}

// Local serializes callers inside one process.
type Local struct {
	mutex   sync.Mutex
	entries map[string]*localEntry
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: map[string]*localEntry{}}
}

// Lock blocks until every key is held or ctx is done.
func (locker *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalizeKeys(keys)
	acquired := make([]string, 0, len(ordered))
	for _, key := range ordered {
		entry := locker.reference(key)
		select {
		case entry.slot <- struct{}{}:
			acquired = append(acquired, key)
		case <-ctx.Done():
			locker.dereference(key)
			locker.unlock(acquired)
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() { locker.unlock(acquired) })
	}, nil
}

func (locker *Local) unlock(keys []string) {
	for index := len(keys) - 1; index >= 0; index-- {
		locker.mutex.Lock()
		entry := locker.entries[keys[index]]
		locker.mutex.Unlock()
		<-entry.slot
		locker.dereference(keys[index])
	}
}

func (locker *Local) reference(key string) *localEntry {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry, ok := locker.entries[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		locker.entries[key] = entry
	}
	entry.holders++
	return entry
}

func (locker *Local) dereference(key string) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry, ok := locker.entries[key]
	if !ok {
		return
	}
	entry.holders--
	if entry.holders == 0 {
		delete(locker.entries, key)
	}
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	return ordered
}
