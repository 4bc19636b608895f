// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package queue

import (
	"sync"

	fifo "github.com/eapache/queue"
	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/go-shmbus/mempool"
)

// Local is a bounded queue for subscribers living in the publisher's process.
//
// Local is safe for concurrent use within a process only.
type Local struct {
	q        *fifo.Queue
	mu       sync.Mutex
	capacity int
	policy   Policy
	dropped  uint64
}

// NewLocal creates a queue holding up to capacity references.
func NewLocal(capacity int, policy Policy) *Local {
	return &Local{
		q:        fifo.New(),
		capacity: max(capacity, 1),
		policy:   policy,
	}
}

// Push appends ref applying the queue Policy when it is full.
func (l *Local) Push(ref mempool.ChunkRef) (evicted optional.Optional[mempool.ChunkRef], accepted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.q.Length() >= l.capacity {
		l.dropped++

		if l.policy == RejectNew {
			return evicted, false
		}

		evicted = optional.Some(l.q.Remove().(mempool.ChunkRef)) //nolint:forcetypeassert
	}

	l.q.Add(ref)

	return evicted, true
}

// Pop removes the oldest reference.
func (l *Local) Pop() (mempool.ChunkRef, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.q.Length() == 0 {
		return mempool.NilChunk, false
	}

	return l.q.Remove().(mempool.ChunkRef), true //nolint:forcetypeassert
}

// Drain removes and returns all queued references.
func (l *Local) Drain() []mempool.ChunkRef {
	l.mu.Lock()
	defer l.mu.Unlock()

	refs := make([]mempool.ChunkRef, 0, l.q.Length())

	for l.q.Length() > 0 {
		refs = append(refs, l.q.Remove().(mempool.ChunkRef)) //nolint:forcetypeassert
	}

	return refs
}

// Len returns the number of queued references.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.q.Length()
}

// Dropped returns how many pushes hit a full queue.
func (l *Local) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dropped
}
