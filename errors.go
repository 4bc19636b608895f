// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"errors"

	"github.com/siderolabs/go-shmbus/port"
)

var (
	// ErrClosed is returned by operations on a closed Area.
	ErrClosed = errors.New("shmbus: area is closed")
	// ErrReadOnly is returned when modifying an area loaded from a snapshot.
	ErrReadOnly = errors.New("shmbus: area is read-only")
	// ErrInvalidArea is returned when attaching to memory which does not hold an area.
	ErrInvalidArea = errors.New("shmbus: invalid area")
	// ErrNoFreePort is returned when all publisher port records are in use.
	ErrNoFreePort = errors.New("shmbus: no free publisher port")
	// ErrNoFreeQueue is returned when all subscriber queue slots are in use.
	ErrNoFreeQueue = errors.New("shmbus: no free subscriber queue")
	// ErrPayloadTooSmall is returned when loaning a payload smaller than the sample type.
	ErrPayloadTooSmall = errors.New("shmbus: payload size is smaller than the sample type")
)

// AllocationError describes why a sample could not be loaned.
type AllocationError = port.AllocationError

// Allocation errors.
const (
	RunningOutOfChunks               = port.RunningOutOfChunks
	TooManyChunksAllocatedInParallel = port.TooManyChunksAllocatedInParallel
	NoMempoolForRequestedSize        = port.NoMempoolForRequestedSize
	PortClosed                       = port.PortClosed
)
