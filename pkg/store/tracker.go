package store

import (
	"sync"

	"github.com/opencontainers/go-digest"

	"bootmirror/pkg/image"
)

// Complete is the sentinel offset recorded once a resource has fully
// transferred to a controller. It is distinct from every real byte offset.
const Complete = int64(-1)

type SyncStatus int

const (
	NotStarted SyncStatus = iota
	Partial
	Synced
)

func (s SyncStatus) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Partial:
		return "partial"
	case Synced:
		return "complete"
	default:
		return "unknown"
	}
}

// SyncState is the transfer progress of one resource towards one
// controller.
type SyncState struct {
	Status SyncStatus
	Bytes  int64
}

type stateKey struct {
	sha        digest.Digest
	controller string
}

// Tracker records, per resource and per controller, how many bytes have
// been transferred. It is an owned instance with an explicit lifecycle, not
// ambient state; construct one per storage root.
type Tracker struct {
	mu     sync.RWMutex
	states map[stateKey]int64
}

func NewTracker() *Tracker {
	return &Tracker{states: map[stateKey]int64{}}
}

// Record stores the current byte offset for (sha, controller). Passing
// Complete marks the transfer finished. Recording zero resets a discarded
// transfer back to not-started.
func (t *Tracker) Record(sha digest.Digest, controller string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bytes == 0 {
		delete(t.states, stateKey{sha: sha, controller: controller})
		return
	}
	t.states[stateKey{sha: sha, controller: controller}] = bytes
}

func (t *Tracker) RecordComplete(sha digest.Digest, controller string) {
	t.Record(sha, controller, Complete)
}

func (t *Tracker) Status(sha digest.Digest, controller string) SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bytes, ok := t.states[stateKey{sha: sha, controller: controller}]
	switch {
	case !ok:
		return SyncState{Status: NotStarted}
	case bytes == Complete:
		return SyncState{Status: Synced}
	default:
		return SyncState{Status: Partial, Bytes: bytes}
	}
}

// Offset returns the resumable byte offset for (sha, controller): zero when
// not started or already complete.
func (t *Tracker) Offset(sha digest.Digest, controller string) int64 {
	state := t.Status(sha, controller)
	if state.Status != Partial {
		return 0
	}
	return state.Bytes
}

// PendingFor returns the resources that are not yet complete for at least
// one of the named controllers, preserving input order.
func (t *Tracker) PendingFor(resources []*image.Resource, controllers []string) []*image.Resource {
	var pending []*image.Resource
	for _, res := range resources {
		for _, controller := range controllers {
			if t.Status(res.SHA256, controller).Status != Synced {
				pending = append(pending, res)
				break
			}
		}
	}
	return pending
}
