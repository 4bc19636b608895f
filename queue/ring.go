// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package queue

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/go-shmbus/mempool"
)

// ErrNotFormatted is returned by AttachRing if there is no ring at the offset.
var ErrNotFormatted = errors.New("queue: ring is not formatted")

const ringMagic uint64 = 0x474e4952464d4853 // "SHMFRING"

// ringHeader is placed in shared memory, read and write positions live on separate cache lines.
type ringHeader struct {
	magic    uint64
	capacity uint64
	mask     uint64
	policy   uint64
	_        [4]uint64

	enqueue uint64
	_       [7]uint64

	dequeue uint64
	_       [7]uint64
}

type cell struct {
	seq uint64
	ref uint64
}

// Ring is a bounded lock-free multi-producer multi-consumer queue of chunk
// references which lives in shared memory.
//
// Every cell carries a sequence number, producers and consumers claim cells
// by advancing the positions with CAS, so no operation ever blocks.
type Ring struct {
	hdr   *ringHeader
	cells []cell
}

// SizeRing returns the bytes a ring of the capacity occupies.
func SizeRing(capacity uint64) uint64 {
	return uint64(unsafe.Sizeof(ringHeader{})) + roundUpPowerOf2(capacity)*uint64(unsafe.Sizeof(cell{}))
}

// FormatRing initializes a ring at offset in mem.
//
// Capacity is rounded up to a power of two, the smallest ring holds two references.
func FormatRing(mem []byte, offset, capacity uint64, policy Policy) (*Ring, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("ring capacity should be positive")
	}

	capacity = roundUpPowerOf2(capacity)

	if err := checkRegion(mem, offset, SizeRing(capacity)); err != nil {
		return nil, err
	}

	hdr := (*ringHeader)(unsafe.Pointer(&mem[offset]))
	atomic.StoreUint64(&hdr.magic, 0)

	hdr.capacity = capacity
	hdr.mask = capacity - 1
	hdr.policy = uint64(policy)

	r := newRing(hdr)

	for i := range r.cells {
		atomic.StoreUint64(&r.cells[i].ref, 0)
		atomic.StoreUint64(&r.cells[i].seq, uint64(i))
	}

	atomic.StoreUint64(&hdr.enqueue, 0)
	atomic.StoreUint64(&hdr.dequeue, 0)
	atomic.StoreUint64(&hdr.magic, ringMagic)

	return r, nil
}

// AttachRing attaches to a ring formatted at offset.
func AttachRing(mem []byte, offset uint64) (*Ring, error) {
	if err := checkRegion(mem, offset, uint64(unsafe.Sizeof(ringHeader{}))); err != nil {
		return nil, err
	}

	hdr := (*ringHeader)(unsafe.Pointer(&mem[offset]))

	if atomic.LoadUint64(&hdr.magic) != ringMagic {
		return nil, ErrNotFormatted
	}

	if err := checkRegion(mem, offset, SizeRing(hdr.capacity)); err != nil {
		return nil, err
	}

	return newRing(hdr), nil
}

func newRing(hdr *ringHeader) *Ring {
	data := unsafe.Add(unsafe.Pointer(hdr), unsafe.Sizeof(ringHeader{}))

	return &Ring{
		hdr:   hdr,
		cells: unsafe.Slice((*cell)(data), hdr.capacity),
	}
}

func checkRegion(mem []byte, offset, size uint64) error {
	if offset+size > uint64(len(mem)) {
		return fmt.Errorf("ring of %d bytes at offset %d exceeds memory of %d bytes", size, offset, len(mem))
	}

	if (uintptr(unsafe.Pointer(unsafe.SliceData(mem)))+uintptr(offset))%8 != 0 {
		return fmt.Errorf("ring at offset %d is misaligned", offset)
	}

	return nil
}

// TryPush appends ref, returning false if the ring is full.
func (r *Ring) TryPush(ref mempool.ChunkRef) bool {
	pos := atomic.LoadUint64(&r.hdr.enqueue)

	for {
		c := &r.cells[pos&r.hdr.mask]
		seq := atomic.LoadUint64(&c.seq)

		switch diff := int64(seq - pos); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.hdr.enqueue, pos, pos+1) {
				atomic.StoreUint64(&c.ref, uint64(ref))
				atomic.StoreUint64(&c.seq, pos+1)

				return true
			}

			pos = atomic.LoadUint64(&r.hdr.enqueue)
		case diff < 0:
			return false
		default:
			pos = atomic.LoadUint64(&r.hdr.enqueue)
		}
	}
}

// Pop removes the oldest reference, returning false if the ring is empty.
func (r *Ring) Pop() (mempool.ChunkRef, bool) {
	pos := atomic.LoadUint64(&r.hdr.dequeue)

	for {
		c := &r.cells[pos&r.hdr.mask]
		seq := atomic.LoadUint64(&c.seq)

		switch diff := int64(seq - (pos + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.hdr.dequeue, pos, pos+1) {
				ref := atomic.LoadUint64(&c.ref)
				atomic.StoreUint64(&c.seq, pos+r.hdr.mask+1)

				return mempool.ChunkRef(ref), true
			}

			pos = atomic.LoadUint64(&r.hdr.dequeue)
		case diff < 0:
			return mempool.NilChunk, false
		default:
			pos = atomic.LoadUint64(&r.hdr.dequeue)
		}
	}
}

// Push appends ref applying the ring's Policy when it is full.
//
// The evicted reference, if any, and a rejected ref are handed back to the caller
// which owns their chunk references from then on.
func (r *Ring) Push(ref mempool.ChunkRef) (evicted optional.Optional[mempool.ChunkRef], accepted bool) {
	if r.TryPush(ref) {
		return evicted, true
	}

	if r.Policy() == RejectNew {
		return evicted, false
	}

	if old, ok := r.Pop(); ok {
		evicted = optional.Some(old)
	}

	// other producers might have taken the freed cell
	return evicted, r.TryPush(ref)
}

// Len returns the number of queued references.
func (r *Ring) Len() int {
	// dequeue first, so that the difference never underflows
	deq := atomic.LoadUint64(&r.hdr.dequeue)
	enq := atomic.LoadUint64(&r.hdr.enqueue)

	return int(min(enq-deq, r.hdr.capacity))
}

// Key identifies the ring within the process: rings attached at the same
// place of the same mapping share their key.
func (r *Ring) Key() uintptr {
	return uintptr(unsafe.Pointer(r.hdr))
}

// Capacity returns the ring capacity.
func (r *Ring) Capacity() int {
	return int(r.hdr.capacity)
}

// Policy returns the overflow policy.
func (r *Ring) Policy() Policy {
	return Policy(r.hdr.policy)
}

// sequence numbers cannot tell a full single cell ring from an empty one
func roundUpPowerOf2(v uint64) uint64 {
	if v <= 2 {
		return 2
	}

	return 1 << bits.Len64(v-1)
}
