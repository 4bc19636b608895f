// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package port implements the publisher side of the chunk transport.
//
// A publisher port record (Data) lives in shared memory next to the chunks,
// Publisher is the process-local handle which allocates chunks from the
// mempool, fans sent chunks out to subscriber queues and keeps the last
// sent chunk around for late joiners.
package port

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/siderolabs/gen/optional"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/siderolabs/go-shmbus/mempool"
)

// Queue receives references to sent chunks.
//
// Push takes over one chunk reference. If the queue evicts an older entry
// to make room, or does not accept ref at all, the publisher releases the
// corresponding references.
type Queue interface {
	Push(ref mempool.ChunkRef) (evicted optional.Optional[mempool.ChunkRef], accepted bool)
}

// keyedQueue is a Queue which can be reached through several handles,
// handles with the same key are the same queue.
type keyedQueue interface {
	Key() uintptr
}

func queueKey(q Queue) any {
	if k, ok := q.(keyedQueue); ok {
		return k.Key()
	}

	return q
}

// Publisher is the process-local handle of a publisher port.
//
// All methods are non-blocking and safe for concurrent use.
// Once closed, the port record is no longer touched: chunks freed or sent
// through a closed port go straight back to the mempool.
type Publisher struct {
	data    *Data
	mem     *mempool.Manager
	queues  atomic.Pointer[[]Queue]
	service ServiceDescription

	exhausted rate.Sometimes

	opt Options

	// serializes changes of the queue list
	mu sync.Mutex

	// held for reading by every operation on the record, for writing by Close
	lifetime sync.RWMutex
	closed   bool
}

// NewPublisher creates a publisher on a claimed port record.
func NewPublisher(data *Data, mem *mempool.Manager, opts ...OptionFunc) (*Publisher, error) {
	if !data.InUse() {
		return nil, ErrNotClaimed
	}

	p := &Publisher{
		data:    data,
		mem:     mem,
		service: data.Service(),
		opt:     defaultOptions(),
	}

	for _, o := range opts {
		if err := o(&p.opt); err != nil {
			return nil, err
		}
	}

	p.exhausted = rate.Sometimes{Interval: p.opt.ExhaustionLogInterval}
	p.opt.Logger = p.opt.Logger.With(zap.Stringer("service", p.service), zap.Uint64("port", data.ID()))

	return p, nil
}

// Service returns the offered service description.
func (p *Publisher) Service() ServiceDescription {
	return p.service
}

// Data returns the shared memory record of the port.
func (p *Publisher) Data() *Data {
	return p.data
}

// Offer makes the port discoverable. Offering an offered or closed port does nothing.
func (p *Publisher) Offer() {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if p.closed {
		return
	}

	p.offer()
}

func (p *Publisher) offer() {
	if !atomic.CompareAndSwapUint32(&p.data.state, uint32(NotOffered), uint32(Offered)) {
		return
	}

	p.opt.Registry.Offer(p.service)
	p.opt.Logger.Debug("offering service")
}

// StopOffer withdraws the port from discovery. Stopping an unoffered port does nothing.
func (p *Publisher) StopOffer() {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if p.closed {
		return
	}

	p.stopOffer()
}

func (p *Publisher) stopOffer() {
	if !atomic.CompareAndSwapUint32(&p.data.state, uint32(Offered), uint32(NotOffered)) {
		return
	}

	p.opt.Registry.StopOffer(p.service)
	p.opt.Logger.Debug("stopped offering service")
}

// IsOffered reports whether the port is offered. A closed port is never offered.
func (p *Publisher) IsOffered() bool {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	return !p.closed && p.data.State() == Offered
}

// HasSubscribers reports whether any queue is connected.
func (p *Publisher) HasSubscribers() bool {
	qs := p.queues.Load()

	return qs != nil && len(*qs) > 0
}

// TryAllocateChunk loans a chunk for a payload of the given size.
//
// The error is always an AllocationError.
func (p *Publisher) TryAllocateChunk(payloadSize uint64) (*mempool.ChunkHeader, error) {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if p.closed || !p.mem.Pin() {
		return nil, PortClosed
	}

	defer p.mem.Unpin()

	if atomic.AddInt64(&p.data.loaned, 1) > int64(p.opt.MaxLoanedChunks) {
		atomic.AddInt64(&p.data.loaned, -1)

		return nil, TooManyChunksAllocatedInParallel
	}

	h, err := p.mem.Allocate(payloadSize)
	if err != nil {
		atomic.AddInt64(&p.data.loaned, -1)

		switch {
		case errors.Is(err, mempool.ErrOutOfChunks):
			p.exhausted.Do(func() {
				p.opt.Logger.Warn("running out of chunks", zap.Uint64("payload_size", payloadSize), zap.Int("free_chunks", p.mem.FreeChunks()))
			})

			return nil, RunningOutOfChunks
		default:
			return nil, NoMempoolForRequestedSize
		}
	}

	h.SetOriginPort(p.data.ID())

	return h, nil
}

// FreeChunk returns a loaned chunk which is not going to be sent.
//
// Once the memory is unmapped the chunk is left alone.
func (p *Publisher) FreeChunk(h *mempool.ChunkHeader) {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if !p.mem.Pin() {
		return
	}

	defer p.mem.Unpin()

	if !p.closed {
		atomic.AddInt64(&p.data.loaned, -1)
	}

	p.mem.Release(h)
}

// SendChunk delivers a loaned chunk to every connected queue and records it as the last chunk.
//
// Sending on a port which is not offered offers it first. The loan's reference
// becomes the port's reference to its last chunk; the reference to the previous
// last chunk is released, which frees it unless a queue still holds it.
//
// Sending on a closed port frees the chunk.
func (p *Publisher) SendChunk(h *mempool.ChunkHeader) {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if !p.mem.Pin() {
		return
	}

	defer p.mem.Unpin()

	if p.closed {
		p.mem.Release(h)

		return
	}

	atomic.AddInt64(&p.data.loaned, -1)

	p.offer()

	h.SetSequence(atomic.AddUint64(&p.data.sequence, 1))

	ref := p.mem.Ref(h)

	p.data.lockHistory()

	if qs := p.queues.Load(); qs != nil {
		for _, q := range *qs {
			p.mem.Retain(h)
			p.deliver(q, ref)
		}
	}

	prev := mempool.ChunkRef(atomic.SwapUint64(&p.data.lastChunk, uint64(ref)))

	p.data.unlockHistory()

	if prev != mempool.NilChunk {
		p.mem.Release(p.mem.Header(prev))
	}
}

// deliver pushes a retained reference and releases whatever the queue hands back.
func (p *Publisher) deliver(q Queue, ref mempool.ChunkRef) {
	evicted, accepted := q.Push(ref)

	if evicted.IsPresent() {
		p.mem.Release(p.mem.Header(evicted.ValueOrZero()))
	}

	if !accepted {
		p.mem.Release(p.mem.Header(ref))
	}
}

// LastChunk returns the most recently sent chunk, none once the port is closed.
//
// The returned chunk carries a reference owned by the caller, which should
// be dropped with ReleaseChunk.
func (p *Publisher) LastChunk() optional.Optional[*mempool.ChunkHeader] {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if p.closed || !p.mem.Pin() {
		return optional.None[*mempool.ChunkHeader]()
	}

	defer p.mem.Unpin()

	p.data.lockHistory()
	defer p.data.unlockHistory()

	return p.retainLast()
}

func (p *Publisher) retainLast() optional.Optional[*mempool.ChunkHeader] {
	ref := mempool.ChunkRef(atomic.LoadUint64(&p.data.lastChunk))
	if ref == mempool.NilChunk {
		return optional.None[*mempool.ChunkHeader]()
	}

	h := p.mem.Header(ref)
	p.mem.Retain(h)

	return optional.Some(h)
}

// ReleaseChunk drops a reference obtained from LastChunk.
//
// The reference stays valid after Close, only unmapping the memory invalidates it.
func (p *Publisher) ReleaseChunk(h *mempool.ChunkHeader) {
	if !p.mem.Pin() {
		return
	}

	defer p.mem.Unpin()

	p.mem.Release(h)
}

// Connect attaches a subscriber queue.
//
// With withHistory the last sent chunk, if any, is delivered to the queue right away.
// Connecting a queue twice, also through another handle of the same ring, does nothing.
func (p *Publisher) Connect(q Queue, withHistory bool) {
	p.lifetime.RLock()
	defer p.lifetime.RUnlock()

	if p.closed || !p.mem.Pin() {
		return
	}

	defer p.mem.Unpin()

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.loadQueues()
	key := queueKey(q)

	if slices.ContainsFunc(current, func(c Queue) bool { return queueKey(c) == key }) {
		return
	}

	next := append(slices.Clone(current), q)

	p.data.lockHistory()
	defer p.data.unlockHistory()

	p.queues.Store(&next)

	if !withHistory {
		return
	}

	if last := p.retainLast(); last.IsPresent() {
		p.deliver(q, p.mem.Ref(last.ValueOrZero()))
	}
}

// Disconnect detaches a subscriber queue. References already queued stay with the queue.
func (p *Publisher) Disconnect(q Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := queueKey(q)

	next := slices.DeleteFunc(slices.Clone(p.loadQueues()), func(c Queue) bool {
		return queueKey(c) == key
	})

	p.queues.Store(&next)
}

func (p *Publisher) loadQueues() []Queue {
	if qs := p.queues.Load(); qs != nil {
		return *qs
	}

	return nil
}

// Close stops offering, drops the last chunk and frees the port record.
//
// Chunks still loaned through the port can be freed or sent afterwards,
// either way they return to the mempool.
func (p *Publisher) Close() error {
	p.lifetime.Lock()
	defer p.lifetime.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	p.mu.Lock()
	p.queues.Store(nil)
	p.mu.Unlock()

	if !p.mem.Pin() {
		return nil
	}

	defer p.mem.Unpin()

	p.stopOffer()

	p.data.lockHistory()
	prev := mempool.ChunkRef(atomic.SwapUint64(&p.data.lastChunk, 0))
	p.data.unlockHistory()

	if prev != mempool.NilChunk {
		p.mem.Release(p.mem.Header(prev))
	}

	if loaned := p.data.Loaned(); loaned > 0 {
		p.opt.Logger.Warn("closing port with loaned chunks", zap.Int("loaned", loaned))
	}

	p.data.Reset()

	return nil
}
