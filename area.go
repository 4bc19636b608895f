// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shmbus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/siderolabs/go-shmbus/mempool"
	"github.com/siderolabs/go-shmbus/port"
	"github.com/siderolabs/go-shmbus/queue"
	"github.com/siderolabs/go-shmbus/segment"
)

const (
	areaMagic   uint32 = 0x53554253 // "SBUS"
	areaVersion uint32 = 1

	areaAlignment = 64
)

// areaHeader sits at offset zero of the segment, so no chunk is ever at offset zero.
type areaHeader struct {
	magic   uint32
	version uint32
	size    uint64

	numPorts      uint32
	numQueues     uint32
	queueCapacity uint32
	_             uint32

	portsOff uint64
	slotsOff uint64
	ringsOff uint64
	ringSize uint64
	memOff   uint64

	nextPortID uint64
}

var (
	areaHeaderSize = alignUp(uint64(unsafe.Sizeof(areaHeader{})), areaAlignment)
	portStride     = alignUp(uint64(port.DataSize), areaAlignment)
)

// layout fills in the offsets of an area for the options.
func layout(opt Options) areaHeader {
	hdr := areaHeader{
		numPorts:      uint32(opt.NumPorts),
		numQueues:     uint32(opt.NumQueues),
		queueCapacity: uint32(opt.QueueCapacity),
		portsOff:      areaHeaderSize,
		ringSize:      alignUp(queue.SizeRing(uint64(opt.QueueCapacity)), areaAlignment),
	}

	hdr.slotsOff = hdr.portsOff + uint64(opt.NumPorts)*portStride
	hdr.ringsOff = alignUp(hdr.slotsOff+4*uint64(opt.NumQueues), areaAlignment)
	hdr.memOff = hdr.ringsOff + uint64(opt.NumQueues)*hdr.ringSize
	hdr.size = hdr.memOff + mempool.RequiredSize(opt.Mempools)

	return hdr
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Area is a segment holding the chunk pools, publisher port records and
// subscriber queues of a bus.
//
// Area is safe for concurrent use.
type Area struct {
	seg *segment.Segment
	hdr *areaHeader
	mem *mempool.Manager

	// claim flags of the queue slots
	slots []uint32

	opt Options

	mu         sync.Mutex
	publishers []*port.Publisher
	closed     bool
	readOnly   bool
}

// NewArea creates and formats a new area.
//
// With WithName the area lives in a shared memory segment other processes
// can open with OpenArea, otherwise it is process-local.
func NewArea(opts ...OptionFunc) (*Area, error) {
	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	if err = opt.Mempools.Validate(); err != nil {
		return nil, err
	}

	hdr := layout(opt)

	var seg *segment.Segment

	if opt.Name != "" {
		seg, err = segment.Create(opt.Name, int(hdr.size))
		if err != nil {
			return nil, fmt.Errorf("failed to create segment: %w", err)
		}
	} else {
		seg = segment.NewHeap(int(hdr.size))
	}

	a, err := format(seg, hdr, opt)
	if err != nil {
		seg.Close()  //nolint:errcheck
		seg.Remove() //nolint:errcheck

		return nil, err
	}

	opt.Logger.Debug("created area",
		zap.String("name", opt.Name),
		zap.Uint64("size", hdr.size),
		zap.Int("ports", opt.NumPorts),
		zap.Int("queues", opt.NumQueues),
	)

	return a, nil
}

func format(seg *segment.Segment, hdr areaHeader, opt Options) (*Area, error) {
	mem := seg.Bytes()

	m, err := mempool.Format(mem, hdr.memOff, opt.Mempools)
	if err != nil {
		return nil, fmt.Errorf("failed to format mempools: %w", err)
	}

	h := (*areaHeader)(unsafe.Pointer(&mem[0]))
	*h = hdr
	h.version = areaVersion

	atomic.StoreUint32(&h.magic, areaMagic)

	return newArea(seg, h, m, opt), nil
}

// OpenArea attaches to an area created by another process with WithName.
func OpenArea(name string, opts ...OptionFunc) (*Area, error) {
	opt, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	seg, err := segment.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}

	a, err := attach(seg, opt)
	if err != nil {
		seg.Close() //nolint:errcheck

		return nil, err
	}

	a.opt.Name = name

	return a, nil
}

func attach(seg *segment.Segment, opt Options) (*Area, error) {
	mem := seg.Bytes()

	if uint64(len(mem)) < areaHeaderSize {
		return nil, fmt.Errorf("%w: segment of %d bytes is too small", ErrInvalidArea, len(mem))
	}

	h := (*areaHeader)(unsafe.Pointer(&mem[0]))

	if atomic.LoadUint32(&h.magic) != areaMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidArea)
	}

	if h.version != areaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArea, h.version)
	}

	if h.size > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: area of %d bytes exceeds segment of %d bytes", ErrInvalidArea, h.size, len(mem))
	}

	if layoutMismatch(h) {
		return nil, fmt.Errorf("%w: inconsistent layout", ErrInvalidArea)
	}

	m, err := mempool.Attach(mem, h.memOff)
	if err != nil {
		return nil, fmt.Errorf("failed to attach mempools: %w", err)
	}

	opt.NumPorts = int(h.numPorts)
	opt.NumQueues = int(h.numQueues)
	opt.QueueCapacity = int(h.queueCapacity)
	opt.Mempools = m.Config()

	return newArea(seg, h, m, opt), nil
}

func layoutMismatch(h *areaHeader) bool {
	expected := areaHeaderSize + uint64(h.numPorts)*portStride

	return h.portsOff != areaHeaderSize ||
		h.slotsOff != expected ||
		h.ringsOff+uint64(h.numQueues)*h.ringSize != h.memOff ||
		h.memOff > h.size
}

func newArea(seg *segment.Segment, h *areaHeader, m *mempool.Manager, opt Options) *Area {
	a := &Area{
		seg: seg,
		hdr: h,
		mem: m,
		opt: opt,
	}

	if h.numQueues > 0 {
		a.slots = unsafe.Slice((*uint32)(unsafe.Pointer(&seg.Bytes()[h.slotsOff])), h.numQueues)
	}

	return a
}

// Memory returns the chunk pools of the area.
func (a *Area) Memory() *mempool.Manager {
	return a.mem
}

// Name returns the shared memory name of the area, empty for process-local areas.
func (a *Area) Name() string {
	return a.opt.Name
}

// Size returns the size of the area in bytes.
func (a *Area) Size() int {
	return int(a.hdr.size)
}

func (a *Area) portData(i int) *port.Data {
	data, err := port.DataAt(a.seg.Bytes(), a.hdr.portsOff+uint64(i)*portStride)
	if err != nil {
		// the layout was verified when the area was created or attached
		panic(err)
	}

	return data
}

func (a *Area) checkWritable() error {
	switch {
	case a.closed:
		return ErrClosed
	case a.readOnly:
		return ErrReadOnly
	default:
		return nil
	}
}

// NewPublisherPort claims a free publisher port record for the service.
//
// The port is closed together with the area.
func (a *Area) NewPublisherPort(desc port.ServiceDescription) (*port.Publisher, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkWritable(); err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&a.hdr.nextPortID, 1)

	for i := range int(a.hdr.numPorts) {
		data := a.portData(i)

		claimed, err := data.Claim(id, desc)
		if err != nil {
			return nil, err
		}

		if !claimed {
			continue
		}

		p, err := port.NewPublisher(data, a.mem, a.opt.portOptions()...)
		if err != nil {
			data.Reset()

			return nil, err
		}

		a.publishers = append(a.publishers, p)

		a.opt.Logger.Debug("claimed publisher port", zap.Stringer("service", desc), zap.Uint64("port", id), zap.Int("slot", i))

		return p, nil
	}

	return nil, ErrNoFreePort
}

// ClosePublisherPort closes a port created with NewPublisherPort and frees its record.
func (a *Area) ClosePublisherPort(p *port.Publisher) error {
	a.mu.Lock()
	a.publishers = slices.DeleteFunc(a.publishers, func(c *port.Publisher) bool {
		return c == p
	})
	a.mu.Unlock()

	return p.Close()
}

// NewAreaPublisher claims a publisher port in the area and wraps it into a Publisher of T.
func NewAreaPublisher[T any](a *Area, desc port.ServiceDescription, opts ...OptionFunc) (*Publisher[T], error) {
	p, err := a.NewPublisherPort(desc)
	if err != nil {
		return nil, err
	}

	pub, err := NewPublisher[T](p, append([]OptionFunc{WithLogger(a.opt.Logger)}, opts...)...)
	if err != nil {
		return nil, errors.Join(err, a.ClosePublisherPort(p))
	}

	return pub, nil
}

// PortStatus describes a claimed publisher port record.
type PortStatus struct {
	Service port.ServiceDescription
	ID      uint64
	State   port.State
	Loaned  int
	Sent    uint64
}

// Ports returns the status of all claimed publisher port records.
func (a *Area) Ports() []PortStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	var ports []PortStatus

	for i := range int(a.hdr.numPorts) {
		data := a.portData(i)
		if !data.InUse() {
			continue
		}

		ports = append(ports, PortStatus{
			Service: data.Service(),
			ID:      data.ID(),
			State:   data.State(),
			Loaned:  data.Loaned(),
			Sent:    data.Sent(),
		})
	}

	return ports
}

func (a *Area) ringOffset(index int) uint64 {
	return a.hdr.ringsOff + uint64(index)*a.hdr.ringSize
}

// ClaimQueue takes a free subscriber queue slot and formats a ring with the policy in it.
//
// The returned index identifies the queue for AttachQueue in other processes.
func (a *Area) ClaimQueue(policy queue.Policy) (int, *queue.Ring, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkWritable(); err != nil {
		return 0, nil, err
	}

	for i := range a.slots {
		if !atomic.CompareAndSwapUint32(&a.slots[i], 0, 1) {
			continue
		}

		ring, err := queue.FormatRing(a.seg.Bytes(), a.ringOffset(i), uint64(a.hdr.queueCapacity), policy)
		if err != nil {
			atomic.StoreUint32(&a.slots[i], 0)

			return 0, nil, err
		}

		a.opt.Logger.Debug("claimed queue", zap.Int("queue", i), zap.Stringer("policy", policy))

		return i, ring, nil
	}

	return 0, nil, ErrNoFreeQueue
}

// AttachQueue returns the ring of a claimed queue slot.
func (a *Area) AttachQueue(index int) (*queue.Ring, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	if index < 0 || index >= len(a.slots) {
		return nil, fmt.Errorf("queue index %d out of range [0, %d)", index, len(a.slots))
	}

	if atomic.LoadUint32(&a.slots[index]) == 0 {
		return nil, fmt.Errorf("queue %d is not claimed", index)
	}

	return queue.AttachRing(a.seg.Bytes(), a.ringOffset(index))
}

// ReleaseQueue drains a claimed queue, releasing the queued chunks, and frees the slot.
//
// The queue should be disconnected from all publishers first.
func (a *Area) ReleaseQueue(index int) error {
	a.mu.Lock()
	err := a.checkWritable()
	a.mu.Unlock()

	if err != nil {
		return err
	}

	ring, err := a.AttachQueue(index)
	if err != nil {
		return err
	}

	if !a.mem.Pin() {
		return ErrClosed
	}

	defer a.mem.Unpin()

	for {
		ref, ok := ring.Pop()
		if !ok {
			break
		}

		a.mem.Release(a.mem.Header(ref))
	}

	atomic.StoreUint32(&a.slots[index], 0)

	return nil
}

// Close closes all publisher ports created through the area and unmaps it.
//
// Close waits for operations touching the area memory to finish, samples
// released afterwards are dropped without touching it.
func (a *Area) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true

	var errs []error

	for _, p := range a.publishers {
		errs = append(errs, p.Close())
	}

	a.publishers = nil

	a.mem.Detach()

	errs = append(errs, a.seg.Close())

	return errors.Join(errs...)
}

// Remove deletes the shared memory segment of a named area.
//
// Processes that have the area open keep using it.
func (a *Area) Remove() error {
	return a.seg.Remove()
}
