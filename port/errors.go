// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package port

import (
	"errors"
	"fmt"
)

// AllocationError describes why a chunk could not be loaned.
//
// AllocationError values are returned as is, so callers can switch on them.
type AllocationError int

// Allocation errors.
const (
	// RunningOutOfChunks means the mempool fitting the request is exhausted.
	RunningOutOfChunks AllocationError = iota + 1
	// TooManyChunksAllocatedInParallel means the port already has the maximum number of chunks loaned.
	TooManyChunksAllocatedInParallel
	// NoMempoolForRequestedSize means no mempool is configured for a chunk of the requested size.
	NoMempoolForRequestedSize
	// PortClosed means the port was closed and loans no more chunks.
	PortClosed
)

func (e AllocationError) Error() string {
	switch e {
	case RunningOutOfChunks:
		return "running out of chunks"
	case TooManyChunksAllocatedInParallel:
		return "too many chunks allocated in parallel"
	case NoMempoolForRequestedSize:
		return "no mempool for requested chunk size"
	case PortClosed:
		return "port is closed"
	default:
		return fmt.Sprintf("allocation error %d", int(e))
	}
}

var (
	// ErrServiceIDTooLong is returned for service descriptions not fitting into the port record.
	ErrServiceIDTooLong = errors.New("port: service description element is too long")
	// ErrNotClaimed is returned when creating a publisher on a port record nobody claimed.
	ErrNotClaimed = errors.New("port: record is not claimed")
)
