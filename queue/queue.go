// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package queue provides the subscriber queues publisher ports fan chunk references out to.
//
// Queues only move mempool.ChunkRef values; every queued reference holds a
// chunk reference which the consumer releases once done with the chunk.
package queue

import "fmt"

// Policy decides what happens when a reference is pushed into a full queue.
type Policy uint32

const (
	// DiscardOldest evicts the oldest queued reference to make room.
	DiscardOldest Policy = iota
	// RejectNew keeps the queue contents and rejects the pushed reference.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case DiscardOldest:
		return "DiscardOldest"
	case RejectNew:
		return "RejectNew"
	default:
		return fmt.Sprintf("Policy(%d)", uint32(p))
	}
}
