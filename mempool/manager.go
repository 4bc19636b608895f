// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mempool implements fixed-size chunk pools placed in shared memory.
//
// A Manager owns up to MaxPools size classes. Every class is a lock-free
// free list of equally sized chunks, each chunk starts with a ChunkHeader.
// Chunks are reference counted: a chunk returns to its pool when the last
// reference is released.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/siderolabs/gen/xslices"
)

var (
	// ErrOutOfChunks is returned when the size class fitting the request has no free chunks.
	ErrOutOfChunks = errors.New("mempool: running out of chunks")
	// ErrNoPoolForSize is returned when no size class can hold the requested payload.
	ErrNoPoolForSize = errors.New("mempool: no mempool for requested chunk size")
	// ErrNotFormatted is returned by Attach if the region holds no manager.
	ErrNotFormatted = errors.New("mempool: region is not formatted")
)

const (
	managerMagic   uint64 = 0x4c4f4f504f50454d // "MEPOPOOL"
	managerVersion uint64 = 1
)

type managerHeader struct {
	magic    uint64
	version  uint64
	numPools uint64
	size     uint64
	pools    [MaxPools]poolHeader
}

const managerHeaderSize = unsafe.Sizeof(managerHeader{})

// Manager is the process-local handle of the chunk pools in a memory region.
//
// Manager is safe for concurrent use, also across processes sharing the region.
type Manager struct {
	hdr   *managerHeader
	base  unsafe.Pointer
	pools []pool

	// held for reading while the mapping is in use, see Pin
	mapping  sync.RWMutex
	detached bool
}

// Format lays out the pools described by cfg in mem starting at offset.
//
// ChunkRefs are offsets from the start of mem, so mem should be the whole segment.
func Format(mem []byte, offset uint64, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	size, layouts := layout(cfg)

	if err := checkRegion(mem, offset, size); err != nil {
		return nil, err
	}

	hdr := (*managerHeader)(unsafe.Pointer(&mem[offset]))
	atomic.StoreUint64(&hdr.magic, 0)

	hdr.version = managerVersion
	hdr.numPools = uint64(len(cfg))
	hdr.size = size

	for i, pc := range cfg {
		hdr.pools[i] = poolHeader{
			chunkSize:  pc.ChunkSize(),
			chunkCount: uint64(pc.Count),
			nextOff:    layouts[i].nextOff,
			chunksOff:  layouts[i].chunksOff,
		}
	}

	m := newManager(mem, offset, hdr)

	for i := range m.pools {
		m.pools[i].format()
	}

	atomic.StoreUint64(&hdr.magic, managerMagic)

	return m, nil
}

// Attach attaches to pools previously formatted at offset.
func Attach(mem []byte, offset uint64) (*Manager, error) {
	if err := checkRegion(mem, offset, uint64(managerHeaderSize)); err != nil {
		return nil, err
	}

	hdr := (*managerHeader)(unsafe.Pointer(&mem[offset]))

	if atomic.LoadUint64(&hdr.magic) != managerMagic {
		return nil, ErrNotFormatted
	}

	if hdr.version != managerVersion {
		return nil, fmt.Errorf("unsupported mempool layout version %d", hdr.version)
	}

	if hdr.numPools == 0 || hdr.numPools > MaxPools {
		return nil, fmt.Errorf("invalid number of mempools %d", hdr.numPools)
	}

	if err := checkRegion(mem, offset, hdr.size); err != nil {
		return nil, err
	}

	return newManager(mem, offset, hdr), nil
}

func checkRegion(mem []byte, offset, size uint64) error {
	if offset+size > uint64(len(mem)) {
		return fmt.Errorf("region of %d bytes at offset %d exceeds memory of %d bytes", size, offset, len(mem))
	}

	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%8 != 0 || offset%chunkAlignment != 0 {
		return fmt.Errorf("region at offset %d is misaligned", offset)
	}

	return nil
}

func newManager(mem []byte, offset uint64, hdr *managerHeader) *Manager {
	base := unsafe.Pointer(unsafe.SliceData(mem))
	region := unsafe.Add(base, offset)

	m := &Manager{
		hdr:   hdr,
		base:  base,
		pools: make([]pool, hdr.numPools),
	}

	for i := range m.pools {
		ph := &hdr.pools[i]

		m.pools[i] = pool{
			hdr:    ph,
			next:   unsafe.Slice((*uint32)(unsafe.Add(region, ph.nextOff)), ph.chunkCount),
			chunks: unsafe.Add(region, ph.chunksOff),
		}
	}

	return m
}

// Allocate takes a chunk able to carry payloadSize bytes.
//
// The chunk comes from the smallest size class which fits; if that class
// is exhausted ErrOutOfChunks is returned, larger classes are not used.
// The returned chunk holds a single reference.
func (m *Manager) Allocate(payloadSize uint64) (*ChunkHeader, error) {
	for i := range m.pools {
		p := &m.pools[i]

		if p.payloadCapacity() < payloadSize {
			continue
		}

		idx, ok := p.pop()
		if !ok {
			return nil, ErrOutOfChunks
		}

		h := p.chunk(idx)
		h.init(uint32(i), uint32(p.hdr.chunkSize), payloadSize)

		return h, nil
	}

	return nil, ErrNoPoolForSize
}

// Retain adds a reference to the chunk.
func (m *Manager) Retain(h *ChunkHeader) {
	atomic.AddInt64(&h.refs, 1)
}

// Release drops a reference and returns the chunk to its pool once no references are left.
//
// Release reports whether the chunk was returned. Releasing more references than
// were taken corrupts the pool.
func (m *Manager) Release(h *ChunkHeader) bool {
	if atomic.AddInt64(&h.refs, -1) != 0 {
		return false
	}

	p := &m.pools[h.pool]
	h.magic = 0

	p.push(p.index(h))

	return true
}

// Pin keeps the region mapped until Unpin is called.
//
// Pin reports false if the manager is already detached, the region
// should not be touched then. Pins should not be nested.
func (m *Manager) Pin() bool {
	m.mapping.RLock()

	if m.detached {
		m.mapping.RUnlock()

		return false
	}

	return true
}

// Unpin releases a successful Pin.
func (m *Manager) Unpin() {
	m.mapping.RUnlock()
}

// Detach waits for pinned users and marks the region as going away.
//
// The owner of the memory calls Detach right before unmapping it.
func (m *Manager) Detach() {
	m.mapping.Lock()
	defer m.mapping.Unlock()

	m.detached = true
}

// Detached reports whether Detach was called.
func (m *Manager) Detached() bool {
	m.mapping.RLock()
	defer m.mapping.RUnlock()

	return m.detached
}

// Ref converts a chunk header into its segment offset.
func (m *Manager) Ref(h *ChunkHeader) ChunkRef {
	return ChunkRef(uintptr(unsafe.Pointer(h)) - uintptr(m.base))
}

// Header converts a segment offset into the chunk header in this process.
func (m *Manager) Header(ref ChunkRef) *ChunkHeader {
	return (*ChunkHeader)(unsafe.Add(m.base, uintptr(ref)))
}

// MaxPayloadSize returns the largest payload the manager can allocate.
func (m *Manager) MaxPayloadSize() uint64 {
	return m.pools[len(m.pools)-1].payloadCapacity()
}

// Size returns the size of the managed region.
func (m *Manager) Size() uint64 {
	return m.hdr.size
}

// Config returns the configuration the region was formatted with.
func (m *Manager) Config() Config {
	return xslices.Map(m.pools, func(p pool) PoolConfig {
		return PoolConfig{
			PayloadSize: p.payloadCapacity(),
			Count:       uint32(p.hdr.chunkCount),
		}
	})
}

// PoolStats reports usage of a single size class.
type PoolStats struct {
	ChunkSize   uint64
	PayloadSize uint64
	Total       int
	Used        int
	MinFree     int
}

// Free returns the number of free chunks.
func (s PoolStats) Free() int {
	return s.Total - s.Used
}

// Stats returns usage statistics for every size class.
func (m *Manager) Stats() []PoolStats {
	return xslices.Map(m.pools, func(p pool) PoolStats {
		return PoolStats{
			ChunkSize:   p.hdr.chunkSize,
			PayloadSize: p.payloadCapacity(),
			Total:       int(p.hdr.chunkCount),
			Used:        int(atomic.LoadInt64(&p.hdr.used)),
			MinFree:     int(atomic.LoadInt64(&p.hdr.minFree)),
		}
	})
}

// FreeChunks returns the number of free chunks over all size classes.
func (m *Manager) FreeChunks() int {
	var free int

	for _, s := range m.Stats() {
		free += s.Free()
	}

	return free
}
