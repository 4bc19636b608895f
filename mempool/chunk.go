// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mempool

import (
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the size of ChunkHeader, the payload starts right after it.
const HeaderSize = 64

const chunkMagic uint32 = 0x43484e4b // "CHNK"

// ChunkRef addresses a chunk by the offset of its header from the start of the segment.
//
// Unlike a pointer, a ChunkRef stays valid in every process which maps the segment.
type ChunkRef uint64

// NilChunk is never a valid chunk, offset zero always holds the area header.
const NilChunk ChunkRef = 0

// ChunkHeader is the metadata prefix of every chunk.
//
// ChunkHeader lives in shared memory, so it must contain no Go pointers
// and its layout must not change between builds.
type ChunkHeader struct {
	magic uint32
	// index of the mempool the chunk was taken from
	pool uint32
	// total size of the chunk including the header
	chunkSize uint32
	// payload offset from the start of the header
	payloadOffset uint32
	// requested payload size
	payloadSize uint64
	// reference count, the chunk goes back to the pool when it drops to zero
	refs int64
	// publish sequence number, assigned when the chunk is sent
	sequence uint64
	// id of the publisher port which allocated the chunk
	originPort uint64
	_          [2]uint64
}

var (
	_ [HeaderSize - unsafe.Sizeof(ChunkHeader{})]struct{}
	_ [unsafe.Sizeof(ChunkHeader{}) - HeaderSize]struct{}
)

func (h *ChunkHeader) init(pool, chunkSize uint32, payloadSize uint64) {
	h.pool = pool
	h.chunkSize = chunkSize
	h.payloadOffset = HeaderSize
	h.payloadSize = payloadSize
	h.sequence = 0
	h.originPort = 0
	h.magic = chunkMagic

	atomic.StoreInt64(&h.refs, 1)
}

// Valid reports whether the header belongs to an allocated chunk.
func (h *ChunkHeader) Valid() bool {
	return h.magic == chunkMagic
}

// Payload returns the address of the payload.
func (h *ChunkHeader) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), h.payloadOffset)
}

// PayloadBytes returns the payload as a byte slice of PayloadSize length.
func (h *ChunkHeader) PayloadBytes() []byte {
	return unsafe.Slice((*byte)(h.Payload()), h.payloadSize)
}

// PayloadSize returns the requested payload size.
func (h *ChunkHeader) PayloadSize() uint64 {
	return h.payloadSize
}

// ChunkSize returns the size of the chunk including the header.
func (h *ChunkHeader) ChunkSize() uint64 {
	return uint64(h.chunkSize)
}

// Pool returns the index of the mempool the chunk originates from.
func (h *ChunkHeader) Pool() int {
	return int(h.pool)
}

// Sequence returns the publish sequence number.
func (h *ChunkHeader) Sequence() uint64 {
	return atomic.LoadUint64(&h.sequence)
}

// SetSequence stamps the publish sequence number.
func (h *ChunkHeader) SetSequence(seq uint64) {
	atomic.StoreUint64(&h.sequence, seq)
}

// OriginPort returns the id of the publisher port which allocated the chunk.
func (h *ChunkHeader) OriginPort() uint64 {
	return atomic.LoadUint64(&h.originPort)
}

// SetOriginPort records the id of the allocating publisher port.
func (h *ChunkHeader) SetOriginPort(id uint64) {
	atomic.StoreUint64(&h.originPort, id)
}

// RefCount returns the current number of references.
func (h *ChunkHeader) RefCount() int64 {
	return atomic.LoadInt64(&h.refs)
}
