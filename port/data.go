// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package port

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	dataMagic    uint32 = 0x54524f50 // "PORT"
	dataClaiming uint32 = 1

	// spins between liveness checks of the history lock owner
	staleCheckInterval = 1024
)

var pid = uint32(os.Getpid())

// State is the offer state of a publisher port.
type State uint32

// Port states.
const (
	NotOffered State = iota
	Offered
)

func (s State) String() string {
	switch s {
	case NotOffered:
		return "NotOffered"
	case Offered:
		return "Offered"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Data is the shared memory record of a publisher port.
//
// Every field is accessed atomically, the record is shared by the owning
// process and everyone inspecting the segment.
//
// The last chunk is guarded by a spin lock holding the pid of its owner.
// A lock left behind by a process which died is taken over once the owner
// is found gone; on platforms without process liveness checks such a lock
// is never recovered.
type Data struct {
	magic uint32
	state uint32
	id    uint64
	// ChunkRef of the last sent chunk, zero if nothing was sent
	lastChunk uint64
	// pid of the process holding the lock guarding lastChunk swaps against retain on read
	history uint32
	_       uint32
	// chunks currently loaned through the port
	loaned int64
	// number of chunks sent
	sequence uint64
	service  [3][ServiceIDLength]byte
}

// DataSize is the size of a port record.
const DataSize = unsafe.Sizeof(Data{})

// DataAt returns the port record placed at offset in mem.
func DataAt(mem []byte, offset uint64) (*Data, error) {
	if offset+uint64(DataSize) > uint64(len(mem)) {
		return nil, fmt.Errorf("port record at offset %d exceeds memory of %d bytes", offset, len(mem))
	}

	if (uintptr(unsafe.Pointer(unsafe.SliceData(mem)))+uintptr(offset))%8 != 0 {
		return nil, fmt.Errorf("port record at offset %d is misaligned", offset)
	}

	return (*Data)(unsafe.Pointer(&mem[offset])), nil
}

// Reset marks the record as unused.
func (d *Data) Reset() {
	atomic.StoreUint32(&d.magic, 0)
}

// Claim takes an unused record for the publisher with the given id.
//
// Claim reports false if the record is already in use.
func (d *Data) Claim(id uint64, desc ServiceDescription) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}

	if !atomic.CompareAndSwapUint32(&d.magic, 0, dataClaiming) {
		return false, nil
	}

	atomic.StoreUint32(&d.state, uint32(NotOffered))
	atomic.StoreUint64(&d.id, id)
	atomic.StoreUint64(&d.lastChunk, 0)
	atomic.StoreUint32(&d.history, 0)
	atomic.StoreInt64(&d.loaned, 0)
	atomic.StoreUint64(&d.sequence, 0)

	for i, s := range []string{desc.Service, desc.Instance, desc.Event} {
		d.service[i] = [ServiceIDLength]byte{}
		copy(d.service[i][:], s)
	}

	atomic.StoreUint32(&d.magic, dataMagic)

	return true, nil
}

// InUse reports whether the record belongs to a publisher.
func (d *Data) InUse() bool {
	return atomic.LoadUint32(&d.magic) == dataMagic
}

// ID returns the publisher id.
func (d *Data) ID() uint64 {
	return atomic.LoadUint64(&d.id)
}

// State returns the offer state.
func (d *Data) State() State {
	return State(atomic.LoadUint32(&d.state))
}

// Loaned returns the number of chunks currently loaned through the port.
func (d *Data) Loaned() int {
	return int(atomic.LoadInt64(&d.loaned))
}

// Sent returns the number of chunks sent.
func (d *Data) Sent() uint64 {
	return atomic.LoadUint64(&d.sequence)
}

// Service returns the service description stored in the record.
func (d *Data) Service() ServiceDescription {
	id := func(b [ServiceIDLength]byte) string {
		if i := bytes.IndexByte(b[:], 0); i >= 0 {
			return string(b[:i])
		}

		return string(b[:])
	}

	return ServiceDescription{
		Service:  id(d.service[0]),
		Instance: id(d.service[1]),
		Event:    id(d.service[2]),
	}
}

func (d *Data) lockHistory() {
	for spins := 1; ; spins++ {
		owner := atomic.LoadUint32(&d.history)

		if owner == 0 {
			if atomic.CompareAndSwapUint32(&d.history, 0, pid) {
				return
			}

			continue
		}

		if spins%staleCheckInterval == 0 && owner != pid && !processAlive(int(owner)) {
			// the owner died holding the lock
			atomic.CompareAndSwapUint32(&d.history, owner, 0)

			continue
		}

		runtime.Gosched()
	}
}

func (d *Data) unlockHistory() {
	atomic.StoreUint32(&d.history, 0)
}
