// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mempool

import (
	"fmt"
	"math"
)

// MaxPools is the maximum number of size classes a manager can hold.
const MaxPools = 16

// chunkAlignment keeps every chunk header on its own cache line.
const chunkAlignment = 64

// PoolConfig describes a single size class.
type PoolConfig struct {
	// PayloadSize is the largest payload a chunk of the class can carry.
	PayloadSize uint64
	// Count is the number of chunks in the class.
	Count uint32
}

// ChunkSize returns the size of a chunk of the class including the header.
func (c PoolConfig) ChunkSize() uint64 {
	return alignUp(HeaderSize+c.PayloadSize, chunkAlignment)
}

// Config lists size classes, ordered by ascending payload size.
type Config []PoolConfig

// DefaultConfig returns a small general purpose configuration.
func DefaultConfig() Config {
	return Config{
		{PayloadSize: 128, Count: 256},
		{PayloadSize: 1024, Count: 64},
		{PayloadSize: 16384, Count: 16},
		{PayloadSize: 131072, Count: 4},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("at least one mempool should be configured")
	}

	if len(c) > MaxPools {
		return fmt.Errorf("too many mempools: %d > %d", len(c), MaxPools)
	}

	for i, pc := range c {
		if pc.PayloadSize == 0 {
			return fmt.Errorf("mempool %d: payload size should be positive", i)
		}

		if pc.ChunkSize() > math.MaxUint32 {
			return fmt.Errorf("mempool %d: chunk size %d is too large", i, pc.ChunkSize())
		}

		if pc.Count == 0 || pc.Count == math.MaxUint32 {
			return fmt.Errorf("mempool %d: invalid chunk count %d", i, pc.Count)
		}

		if i > 0 && pc.PayloadSize <= c[i-1].PayloadSize {
			return fmt.Errorf("mempool %d: payload sizes should be strictly ascending: %d <= %d", i, pc.PayloadSize, c[i-1].PayloadSize)
		}
	}

	return nil
}

// RequiredSize returns the number of bytes Format needs for the configuration.
func RequiredSize(c Config) uint64 {
	size, _ := layout(c)

	return size
}

type poolLayout struct {
	nextOff   uint64
	chunksOff uint64
}

// layout computes the region size and per pool offsets relative to the region start.
func layout(c Config) (uint64, []poolLayout) {
	off := alignUp(uint64(managerHeaderSize), chunkAlignment)
	pools := make([]poolLayout, len(c))

	for i, pc := range c {
		pools[i].nextOff = off
		off = alignUp(off+4*uint64(pc.Count), chunkAlignment)

		pools[i].chunksOff = off
		off += pc.ChunkSize() * uint64(pc.Count)
	}

	return off, pools
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
