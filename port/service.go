// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package port

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ServiceIDLength is the maximum length of each service description element.
const ServiceIDLength = 64

// ServiceDescription identifies the event a publisher offers.
type ServiceDescription struct {
	Service  string
	Instance string
	Event    string
}

// Validate checks that the description fits into a port record.
func (d ServiceDescription) Validate() error {
	for _, id := range []string{d.Service, d.Instance, d.Event} {
		if len(id) > ServiceIDLength {
			return fmt.Errorf("%w: %q is longer than %d bytes", ErrServiceIDTooLong, id, ServiceIDLength)
		}
	}

	return nil
}

func (d ServiceDescription) String() string {
	return d.Service + "/" + d.Instance + "/" + d.Event
}

func compareServices(a, b ServiceDescription) int {
	return cmp.Or(
		cmp.Compare(a.Service, b.Service),
		cmp.Compare(a.Instance, b.Instance),
		cmp.Compare(a.Event, b.Event),
	)
}

// Registry is notified whenever a publisher port starts or stops offering its service.
type Registry interface {
	Offer(ServiceDescription)
	StopOffer(ServiceDescription)
}

type nopRegistry struct{}

func (nopRegistry) Offer(ServiceDescription)     {}
func (nopRegistry) StopOffer(ServiceDescription) {}

// MemoryRegistry is a Registry for publishers and subscribers within a single process.
type MemoryRegistry struct {
	offered map[ServiceDescription]int
	mu      sync.Mutex
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		offered: map[ServiceDescription]int{},
	}
}

// Offer implements Registry.
func (r *MemoryRegistry) Offer(d ServiceDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offered[d]++
}

// StopOffer implements Registry.
func (r *MemoryRegistry) StopOffer(d ServiceDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.offered[d] <= 1 {
		delete(r.offered, d)

		return
	}

	r.offered[d]--
}

// IsOffered reports whether any publisher offers the service.
func (r *MemoryRegistry) IsOffered(d ServiceDescription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.offered[d] > 0
}

// Services returns the offered services, sorted.
func (r *MemoryRegistry) Services() []ServiceDescription {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.SortedFunc(maps.Keys(r.offered), compareServices)
}
