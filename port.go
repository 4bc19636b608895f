// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/port"
)

// PublisherPort is the port a Publisher drives.
//
// port.Publisher is the implementation backed by shared memory.
type PublisherPort interface {
	TryAllocateChunk(payloadSize uint64) (*mempool.ChunkHeader, error)
	FreeChunk(h *mempool.ChunkHeader)
	SendChunk(h *mempool.ChunkHeader)
	LastChunk() optional.Optional[*mempool.ChunkHeader]
	ReleaseChunk(h *mempool.ChunkHeader)
	Offer()
	StopOffer()
	IsOffered() bool
	HasSubscribers() bool
}

var _ PublisherPort = (*port.Publisher)(nil)
