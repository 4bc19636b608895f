// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package port

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options defines settings for Publisher.
type Options struct {
	Logger *zap.Logger

	Registry Registry

	// MaxLoanedChunks limits how many chunks can be loaned through the port at once.
	MaxLoanedChunks int

	// ExhaustionLogInterval limits how often running out of chunks is logged,
	// zero logs the first occurrence only.
	ExhaustionLogInterval time.Duration
}

// DefaultMaxLoanedChunks is the default limit of chunks loaned in parallel.
const DefaultMaxLoanedChunks = 8

func defaultOptions() Options {
	return Options{
		Logger:                zap.NewNop(),
		Registry:              nopRegistry{},
		MaxLoanedChunks:       DefaultMaxLoanedChunks,
		ExhaustionLogInterval: 10 * time.Second,
	}
}

// OptionFunc allows setting Publisher options.
type OptionFunc func(*Options) error

// WithLogger sets logger for Publisher.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opt *Options) error {
		opt.Logger = logger

		return nil
	}
}

// WithRegistry sets the registry notified on offer and stop offer.
func WithRegistry(registry Registry) OptionFunc {
	return func(opt *Options) error {
		if registry == nil {
			return fmt.Errorf("registry should be set")
		}

		opt.Registry = registry

		return nil
	}
}

// WithMaxLoanedChunks sets the limit of chunks loaned in parallel.
func WithMaxLoanedChunks(limit int) OptionFunc {
	return func(opt *Options) error {
		if limit <= 0 {
			return fmt.Errorf("max loaned chunks should be positive: %d", limit)
		}

		opt.MaxLoanedChunks = limit

		return nil
	}
}

// WithExhaustionLogInterval sets how often running out of chunks is logged at most.
func WithExhaustionLogInterval(interval time.Duration) OptionFunc {
	return func(opt *Options) error {
		if interval < 0 {
			return fmt.Errorf("exhaustion log interval should be non-negative: %s", interval)
		}

		opt.ExhaustionLogInterval = interval

		return nil
	}
}
