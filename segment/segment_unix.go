// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build unix

package segment

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create creates a new named shared segment of the given size.
//
// Create fails if a segment with the same name already exists.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segment size should be positive: %d", size)
	}

	path := Path(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()    //nolint:errcheck
		os.Remove(path) //nolint:errcheck
	}

	if err = file.Truncate(int64(size)); err != nil {
		cleanup()

		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmap(file, size)
	if err != nil {
		cleanup()

		return nil, err
	}

	return &Segment{
		file:  file,
		mem:   mem,
		path:  path,
		unmap: unix.Munmap,
	}, nil
}

// Open maps an existing named shared segment.
func Open(name string) (*Segment, error) {
	path := Path(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	if info.Size() == 0 {
		file.Close() //nolint:errcheck

		return nil, fmt.Errorf("segment file %s is empty", path)
	}

	mem, err := mmap(file, int(info.Size()))
	if err != nil {
		file.Close() //nolint:errcheck

		return nil, err
	}

	return &Segment{
		file:  file,
		mem:   mem,
		path:  path,
		unmap: unix.Munmap,
	}, nil
}

func mmap(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return mem, nil
}
