// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mempool

import (
	"math"
	"sync/atomic"
	"unsafe"
)

const emptyIndex = math.MaxUint32

// poolHeader is the shared state of a single size class.
type poolHeader struct {
	chunkSize  uint64
	chunkCount uint64
	// region relative offsets of the free list links and of the first chunk
	nextOff   uint64
	chunksOff uint64
	// free list head: ABA tag in the upper 32 bits, chunk index in the lower
	head uint64
	// number of chunks handed out
	used int64
	// lowest number of free chunks observed
	minFree int64
	_       uint64
}

// pool is the process-local view of a poolHeader.
type pool struct {
	hdr    *poolHeader
	next   []uint32
	chunks unsafe.Pointer
}

func (p *pool) payloadCapacity() uint64 {
	return p.hdr.chunkSize - HeaderSize
}

func (p *pool) chunk(idx uint32) *ChunkHeader {
	return (*ChunkHeader)(unsafe.Add(p.chunks, uintptr(idx)*uintptr(p.hdr.chunkSize)))
}

func (p *pool) index(h *ChunkHeader) uint32 {
	return uint32((uintptr(unsafe.Pointer(h)) - uintptr(p.chunks)) / uintptr(p.hdr.chunkSize))
}

// format links all chunks into the free list.
func (p *pool) format() {
	count := uint32(p.hdr.chunkCount)

	for i := range count {
		if i+1 < count {
			p.next[i] = i + 1
		} else {
			p.next[i] = emptyIndex
		}

		*p.chunk(i) = ChunkHeader{}
	}

	p.hdr.used = 0
	p.hdr.minFree = int64(count)

	atomic.StoreUint64(&p.hdr.head, 0)
}

func (p *pool) pop() (uint32, bool) {
	for {
		head := atomic.LoadUint64(&p.hdr.head)

		idx := uint32(head)
		if idx == emptyIndex {
			return 0, false
		}

		next := atomic.LoadUint32(&p.next[idx])
		tag := head>>32 + 1

		if atomic.CompareAndSwapUint64(&p.hdr.head, head, tag<<32|uint64(next)) {
			p.recordUsed(atomic.AddInt64(&p.hdr.used, 1))

			return idx, true
		}
	}
}

func (p *pool) push(idx uint32) {
	for {
		head := atomic.LoadUint64(&p.hdr.head)

		atomic.StoreUint32(&p.next[idx], uint32(head))

		tag := head>>32 + 1

		if atomic.CompareAndSwapUint64(&p.hdr.head, head, tag<<32|uint64(idx)) {
			atomic.AddInt64(&p.hdr.used, -1)

			return
		}
	}
}

func (p *pool) recordUsed(used int64) {
	free := int64(p.hdr.chunkCount) - used

	for {
		low := atomic.LoadInt64(&p.hdr.minFree)
		if free >= low || atomic.CompareAndSwapInt64(&p.hdr.minFree, low, free) {
			return
		}
	}
}
