// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package shmbus provides a zero-copy publish/subscribe transport over shared memory.
//
// Publishers loan samples directly from chunk pools in an Area, fill them in place
// and publish them: subscribers receive references to the very same chunks.
// Payload types placed into samples must not contain Go pointers.
package shmbus

import (
	"fmt"
	"unsafe"

	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"
)

// Publisher loans typed samples from a publisher port and publishes them.
type Publisher[T any] struct {
	port   PublisherPort
	logger *zap.Logger
}

// NewPublisher creates a Publisher of samples of type T on top of the port.
func NewPublisher[T any](p PublisherPort, opts ...OptionFunc) (*Publisher[T], error) {
	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	return &Publisher[T]{
		port:   p,
		logger: opt.Logger,
	}, nil
}

// Port returns the underlying publisher port.
func (pub *Publisher[T]) Port() PublisherPort {
	return pub.port
}

// Loan a sample sized for T.
//
// Allocation failures are returned as AllocationError.
func (pub *Publisher[T]) Loan() (*Sample[T], error) {
	var zero T

	return pub.LoanSize(uint64(unsafe.Sizeof(zero)))
}

// LoanSize loans a sample with a payload of size bytes, which should fit T.
func (pub *Publisher[T]) LoanSize(size uint64) (*Sample[T], error) {
	var zero T

	if minSize := uint64(unsafe.Sizeof(zero)); size < minSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrPayloadTooSmall, size, minSize)
	}

	h, err := pub.port.TryAllocateChunk(size)
	if err != nil {
		return nil, err
	}

	return newSample[T](pub.port, h, loanedSample, pub.logger), nil
}

// Release gives the sample's chunk back without publishing it.
func (pub *Publisher[T]) Release(s *Sample[T]) {
	s.Release()
}

// Publish hands the sample over to subscribers, offering the port if needed.
func (pub *Publisher[T]) Publish(s *Sample[T]) {
	s.Publish()
}

// PreviousSample returns the most recently published sample.
//
// The returned sample can not be published and should be released.
func (pub *Publisher[T]) PreviousSample() optional.Optional[*Sample[T]] {
	last := pub.port.LastChunk()
	if !last.IsPresent() {
		return optional.None[*Sample[T]]()
	}

	return optional.Some(newSample[T](pub.port, last.ValueOrZero(), historySample, pub.logger))
}

// Offer makes the publisher discoverable.
func (pub *Publisher[T]) Offer() {
	pub.port.Offer()
}

// StopOffer withdraws the publisher from discovery.
func (pub *Publisher[T]) StopOffer() {
	pub.port.StopOffer()
}

// IsOffered reports whether the publisher is offered.
func (pub *Publisher[T]) IsOffered() bool {
	return pub.port.IsOffered()
}

// HasSubscribers reports whether anyone is subscribed.
func (pub *Publisher[T]) HasSubscribers() bool {
	return pub.port.HasSubscribers()
}
