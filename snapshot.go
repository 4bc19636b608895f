// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/siderolabs/go-shmbus/segment"
)

var errNoCompressor = errors.New("compressor should be set for snapshots")

// WriteSnapshot writes the compressed contents of the area to path.
//
// The area keeps running while the snapshot is taken, so chunks and queues
// being modified concurrently might be captured midway.
func (a *Area) WriteSnapshot(path string) error {
	if a.opt.Compressor == nil {
		return errNoCompressor
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	compressed, err := a.opt.Compressor.Compress(a.seg.Bytes()[:a.hdr.size], nil)
	if err != nil {
		return fmt.Errorf("failed to compress area: %w", err)
	}

	if err = atomicWriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	a.opt.Logger.Debug("wrote area snapshot",
		zap.String("path", path),
		zap.Uint64("size", a.hdr.size),
		zap.Int("compressed_size", len(compressed)),
	)

	return nil
}

// LoadSnapshot loads an area snapshot written by WriteSnapshot.
//
// The loaded area is process-local and read-only: it can be inspected,
// but no ports or queues can be claimed.
func LoadSnapshot(path string, opts ...OptionFunc) (*Area, error) {
	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	if opt.Compressor == nil {
		return nil, errNoCompressor
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	size, err := opt.Compressor.DecompressedSize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to get size of snapshot: %w", err)
	}

	seg := segment.NewHeap(int(size))

	decompressed, err := opt.Compressor.Decompress(data, seg.Bytes()[:0])
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	if int64(len(decompressed)) != size {
		return nil, fmt.Errorf("%w: snapshot decompressed to %d bytes, expected %d", ErrInvalidArea, len(decompressed), size)
	}

	// the decompressor might have reallocated
	copy(seg.Bytes(), decompressed)

	opt.Name = ""

	a, err := attach(seg, opt)
	if err != nil {
		return nil, err
	}

	a.readOnly = true

	opt.Logger.Debug("loaded area snapshot", zap.String("path", path), zap.Int64("size", size))

	return a, nil
}

func atomicWriteFile(path string, data []byte, mode fs.FileMode) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
