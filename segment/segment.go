// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package segment maps the shared memory regions chunks, ports and queues live in.
//
// Everything placed into a segment is addressed by its offset from the start
// of the segment, so the same offset is valid in every process regardless of
// the address the segment got mapped at.
package segment

import (
	"errors"
	"os"
	"path/filepath"
	"unsafe"
)

// ErrNotSupported is returned when named shared memory is not available on the platform.
var ErrNotSupported = errors.New("segment: shared memory is not supported on this platform")

// filePrefix is prepended to the segment name to build the backing file name.
const filePrefix = "shmbus_"

// Segment is a contiguous memory region, either mapped from a shared file
// or allocated on the process heap.
type Segment struct {
	file  *os.File
	unmap func([]byte) error

	// keeps heap backed memory reachable, mem aliases it
	words []uint64
	mem   []byte

	path string
}

// NewHeap allocates a process-local segment of at least size bytes.
//
// The memory is 8-byte aligned, which is what atomic access to the
// structures placed into the segment requires.
func NewHeap(size int) *Segment {
	words := make([]uint64, (size+7)/8)

	var mem []byte

	if len(words) > 0 {
		mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}

	return &Segment{
		words: words,
		mem:   mem,
	}
}

// Bytes returns the segment memory.
func (s *Segment) Bytes() []byte {
	return s.mem
}

// Size returns the segment size in bytes.
func (s *Segment) Size() int {
	return len(s.mem)
}

// Path returns the path of the backing file, empty for heap segments.
func (s *Segment) Path() string {
	return s.path
}

// Shared reports whether the segment is backed by a shared file.
func (s *Segment) Shared() bool {
	return s.file != nil
}

// Close unmaps the segment. The backing file is kept, see Remove.
func (s *Segment) Close() error {
	var err error

	if s.unmap != nil && s.mem != nil {
		err = s.unmap(s.mem)
	}

	s.mem = nil
	s.words = nil

	if s.file != nil {
		if closeErr := s.file.Close(); err == nil {
			err = closeErr
		}

		s.file = nil
	}

	return err
}

// Remove unlinks the backing file of a shared segment.
//
// Processes which still have the segment mapped keep using it.
func (s *Segment) Remove() error {
	if s.path == "" {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// Path returns the backing file path for the segment name.
func Path(name string) string {
	// /dev/shm keeps the segment in memory on Linux
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", filePrefix+name)
	}

	return filepath.Join(os.TempDir(), filePrefix+name)
}
