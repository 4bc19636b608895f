// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/siderolabs/go-shmbus/mempool"
)

type sampleKind int

const (
	loanedSample sampleKind = iota
	historySample
)

// ownership is the part of a Sample which has to survive the Sample itself,
// so that the runtime cleanup can still give the chunk back.
type ownership struct {
	port   PublisherPort
	chunk  *mempool.ChunkHeader
	logger *zap.Logger
	// payload size, copied so that logging does not touch the chunk
	size uint64
	kind sampleKind
	done atomic.Bool
}

func (o *ownership) publish() {
	if !o.port.IsOffered() {
		o.port.Offer()
	}

	o.port.SendChunk(o.chunk)
}

func (o *ownership) release() {
	if o.kind == historySample {
		o.port.ReleaseChunk(o.chunk)

		return
	}

	o.port.FreeChunk(o.chunk)
}

func reclaimSample(o *ownership) {
	if !o.done.CompareAndSwap(false, true) {
		return
	}

	o.logger.Warn("sample was not released, reclaiming its chunk",
		zap.Uint64("payload_size", o.size),
		zap.Bool("history", o.kind == historySample),
	)

	o.release()
}

// Sample is a typed view of a chunk owned by the caller.
//
// A Sample is either loaned from a Publisher, and then published or released,
// or it is a view of the previously published chunk, which can only be released.
// A Sample which is dropped without either is reclaimed once the garbage collector
// notices, but the chunk stays unavailable until then.
//
// Sample is not safe for concurrent use.
type Sample[T any] struct {
	own     *ownership
	payload *T
	cleanup runtime.Cleanup
}

func newSample[T any](p PublisherPort, h *mempool.ChunkHeader, kind sampleKind, logger *zap.Logger) *Sample[T] {
	s := &Sample[T]{
		own: &ownership{
			port:   p,
			chunk:  h,
			logger: logger,
			size:   h.PayloadSize(),
			kind:   kind,
		},
		payload: (*T)(h.Payload()),
	}

	s.cleanup = runtime.AddCleanup(s, reclaimSample, s.own)

	return s
}

// Get returns the payload, nil once the sample is published or released.
func (s *Sample[T]) Get() *T {
	return s.payload
}

// Payload returns the whole payload of the chunk as bytes, nil once the sample is published or released.
func (s *Sample[T]) Payload() []byte {
	if s.payload == nil {
		return nil
	}

	return s.own.chunk.PayloadBytes()
}

// Header returns the chunk header of the sample.
func (s *Sample[T]) Header() *mempool.ChunkHeader {
	return s.own.chunk
}

// Publish hands the sample over to subscribers.
//
// Publishing a released or published sample does nothing.
// Publishing a sample returned by PreviousSample panics.
func (s *Sample[T]) Publish() {
	if s.own.kind == historySample {
		panic("shmbus: previous sample can not be published")
	}

	if !s.finish() {
		return
	}

	s.own.publish()
}

// Release gives the chunk back without publishing it.
//
// Releasing a released or published sample does nothing.
func (s *Sample[T]) Release() {
	if !s.finish() {
		return
	}

	s.own.release()
}

func (s *Sample[T]) finish() bool {
	if !s.own.done.CompareAndSwap(false, true) {
		return false
	}

	s.cleanup.Stop()
	s.payload = nil

	return true
}
