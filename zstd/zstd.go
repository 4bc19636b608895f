// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package zstd compresses area snapshots with zstd.
package zstd

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ErrUnknownSize is returned for frames which do not carry their decompressed size.
var ErrUnknownSize = errors.New("zstd: frame content size is not set")

// DefaultMaxSize is the default limit of the decompressed snapshot size.
const DefaultMaxSize = 4 << 30

type options struct {
	level   zstd.EncoderLevel
	maxSize uint64
}

// Option configures the Compressor.
type Option func(*options)

// WithLevel sets the compression level.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithMaxSize limits the size of decompressed data.
func WithMaxSize(size uint64) Option {
	return func(o *options) {
		o.maxSize = size
	}
}

// Compressor compresses whole segments into single zstd frames.
//
// Compressor is safe for concurrent use.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder

	maxSize uint64
}

// NewCompressor creates a Compressor.
func NewCompressor(opts ...Option) (*Compressor, error) {
	o := options{
		level:   zstd.SpeedDefault,
		maxSize: DefaultMaxSize,
	}

	for _, opt := range opts {
		opt(&o)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(o.level),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(o.maxSize))
	if err != nil {
		enc.Close() //nolint:errcheck

		return nil, err
	}

	return &Compressor{
		enc:     enc,
		dec:     dec,
		maxSize: o.maxSize,
	}, nil
}

// Compress appends the compressed src to dest.
func (c *Compressor) Compress(src, dest []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dest), nil
}

// Decompress appends the decompressed src to dest, verifying the checksum.
func (c *Compressor) Decompress(src, dest []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dest)
}

// DecompressedSize returns the size src decompresses to.
func (c *Compressor) DecompressedSize(src []byte) (int64, error) {
	if len(src) == 0 {
		return 0, nil
	}

	var header zstd.Header

	if err := header.Decode(src); err != nil {
		return 0, err
	}

	if !header.HasFCS {
		return 0, ErrUnknownSize
	}

	if header.FrameContentSize > c.maxSize {
		return 0, fmt.Errorf("zstd: decompressed size %d exceeds the limit of %d", header.FrameContentSize, c.maxSize)
	}

	return int64(header.FrameContentSize), nil
}

// Close releases the encoder and decoder.
func (c *Compressor) Close() error {
	c.dec.Close()

	return c.enc.Close()
}
