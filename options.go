// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/port"
)

// Options defines settings for Area and Publisher.
type Options struct {
	Compressor Compressor

	Logger *zap.Logger

	Registry port.Registry

	// Name of the shared memory segment, empty for a process-local area.
	Name string

	Mempools mempool.Config

	NumPorts      int
	NumQueues     int
	QueueCapacity int

	MaxLoanedChunks int
}

// Compressor implements an optional interface for snapshot compression.
//
// Compress and Decompress append to the dest slice and return the result.
//
// Compressor should be safe for concurrent use by multiple goroutines.
type Compressor interface {
	Compress(src, dest []byte) ([]byte, error)
	Decompress(src, dest []byte) ([]byte, error)
	DecompressedSize(src []byte) (int64, error)
}

// defaultOptions returns default initial values.
func defaultOptions() Options {
	return Options{
		Logger:          zap.NewNop(),
		Mempools:        mempool.DefaultConfig(),
		NumPorts:        16,
		NumQueues:       32,
		QueueCapacity:   64,
		MaxLoanedChunks: port.DefaultMaxLoanedChunks,
	}
}

func (opt Options) portOptions() []port.OptionFunc {
	opts := []port.OptionFunc{
		port.WithLogger(opt.Logger),
		port.WithMaxLoanedChunks(opt.MaxLoanedChunks),
	}

	if opt.Registry != nil {
		opts = append(opts, port.WithRegistry(opt.Registry))
	}

	return opts
}

// OptionFunc allows setting Area and Publisher options.
type OptionFunc func(*Options) error

func applyOptions(opts []OptionFunc) (Options, error) {
	opt := defaultOptions()

	for _, o := range opts {
		if err := o(&opt); err != nil {
			return opt, err
		}
	}

	return opt, nil
}

// WithName places the area into a named shared memory segment other processes can open.
func WithName(name string) OptionFunc {
	return func(opt *Options) error {
		if name == "" {
			return errors.New("segment name should be set")
		}

		if strings.ContainsRune(name, '/') {
			return fmt.Errorf("segment name should not contain slashes: %q", name)
		}

		opt.Name = name

		return nil
	}
}

// WithMempools sets the chunk size classes of the area.
func WithMempools(cfg mempool.Config) OptionFunc {
	return func(opt *Options) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		opt.Mempools = cfg

		return nil
	}
}

// WithNumPorts sets the number of publisher port records in the area.
func WithNumPorts(num int) OptionFunc {
	return func(opt *Options) error {
		if num <= 0 {
			return fmt.Errorf("number of ports should be positive: %d", num)
		}

		opt.NumPorts = num

		return nil
	}
}

// WithNumQueues sets the number of subscriber queue slots in the area.
func WithNumQueues(num int) OptionFunc {
	return func(opt *Options) error {
		if num < 0 {
			return fmt.Errorf("number of queues should be non-negative: %d", num)
		}

		opt.NumQueues = num

		return nil
	}
}

// WithQueueCapacity sets the capacity of each subscriber queue.
//
// Capacity is rounded up to a power of two.
func WithQueueCapacity(capacity int) OptionFunc {
	return func(opt *Options) error {
		if capacity <= 0 {
			return fmt.Errorf("queue capacity should be positive: %d", capacity)
		}

		opt.QueueCapacity = capacity

		return nil
	}
}

// WithMaxLoanedChunks limits the number of chunks each publisher port may loan at once.
func WithMaxLoanedChunks(limit int) OptionFunc {
	return func(opt *Options) error {
		if limit <= 0 {
			return fmt.Errorf("max loaned chunks should be positive: %d", limit)
		}

		opt.MaxLoanedChunks = limit

		return nil
	}
}

// WithRegistry sets the registry notified about offered services.
func WithRegistry(registry port.Registry) OptionFunc {
	return func(opt *Options) error {
		if registry == nil {
			return errors.New("registry should be set")
		}

		opt.Registry = registry

		return nil
	}
}

// WithCompressor sets the compressor used for snapshots.
func WithCompressor(c Compressor) OptionFunc {
	return func(opt *Options) error {
		opt.Compressor = c

		return nil
	}
}

// WithLogger sets logger for Area and Publisher.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}
