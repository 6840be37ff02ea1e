package store

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// keyedMutex serializes work per checksum so two Ensure calls for the same
// blob never interleave writes to one partial file.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[digest.Digest]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[digest.Digest]*lockEntry{}}
}

func (k *keyedMutex) lock(sha digest.Digest) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[sha]
	if !ok {
		entry = &lockEntry{}
		k.locks[sha] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, sha)
		}
		k.mu.Unlock()
	}
}
