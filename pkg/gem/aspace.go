// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gem

import (
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/iommu"
	"gvisor.dev/drmgem/pkg/rangealloc"
)

// Client is notified when an address space is detached from or attached to
// its hardware.
type Client interface {
	// DomainChanged is called after the address space becomes valid
	// (attached is true) or before it becomes invalid. It is called without
	// any gem lock held and may map buffers.
	DomainChanged(ctx context.Context, as *AddressSpace, attached bool)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, as *AddressSpace, attached bool)

// DomainChanged implements Client.DomainChanged.
func (f ClientFunc) DomainChanged(ctx context.Context, as *AddressSpace, attached bool) {
	f(ctx, as, attached)
}

// ClientEntry is a client registration, returned by RegisterClient.
type ClientEntry struct {
	c Client
}

// AddressSpace is a device address space: an IOMMU domain, or physical
// addressing when there is no MMU.
type AddressSpace struct {
	name string
	dev  *Device
	dma  *dma.Device
	mmu  *iommu.Domain
	iova *rangealloc.Allocator

	mu sync.Mutex
	// active is the set of objects mapped into the address space. It is
	// protected by mu.
	active map[*Object]struct{}
	// clients is protected by mu.
	clients []*ClientEntry
	// attached is false between NotifyDetach and a successful NotifyAttach.
	// It is protected by mu.
	attached bool
}

// Name returns the address space name.
func (as *AddressSpace) Name() string {
	return as.name
}

// DMA returns the DMA device that accesses the address space.
func (as *AddressSpace) DMA() *dma.Device {
	return as.dma
}

// MMU returns the address space's IOMMU domain, or nil.
func (as *AddressSpace) MMU() *iommu.Domain {
	return as.mmu
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return as.name
}

// mapSG maps sgt and returns its IOVA, and the reservation node if the
// address space has an MMU.
func (as *AddressSpace) mapSG(sgt *dma.SGTable, size uint64, prot iommu.Prot) (uint64, *rangealloc.Node, error) {
	if as.mmu == nil {
		// Without an MMU the device sees physical addresses.
		if !sgt.Contiguous() {
			return 0, nil, fmt.Errorf("%d-segment buffer in address space %s without MMU: %w", len(sgt.Segments()), as.name, linuxerr.EINVAL)
		}
		return uint64(sgt.Segments()[0].Addr), nil, nil
	}
	node, err := as.iova.Reserve(size, hostarch.PageSize)
	if err != nil {
		return 0, nil, err
	}
	if err := as.mmu.Map(node.Start, sgt, prot); err != nil {
		as.iova.Release(node)
		return 0, nil, err
	}
	return node.Start, node, nil
}

// unmapRange reverses mapSG.
func (as *AddressSpace) unmapRange(iova, size uint64, node *rangealloc.Node) {
	if as.mmu == nil {
		return
	}
	as.mmu.Unmap(iova, size)
	as.iova.Release(node)
}

func (as *AddressSpace) addActive(o *Object) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.active[o] = struct{}{}
}

func (as *AddressSpace) removeActive(o *Object) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.active, o)
}

func (as *AddressSpace) isActive(o *Object) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, ok := as.active[o]
	return ok
}

// Active returns the objects active in as, ordered by ID. The objects are
// not referenced.
func (as *AddressSpace) Active() []*Object {
	as.mu.Lock()
	objs := make([]*Object, 0, len(as.active))
	for o := range as.active {
		objs = append(objs, o)
	}
	as.mu.Unlock()
	sortObjects(objs)
	return objs
}

// Attached returns false between a detach and the next successful attach.
func (as *AddressSpace) Attached() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.attached
}

// RegisterClient adds c to the clients notified on attach and detach.
func (as *AddressSpace) RegisterClient(c Client) *ClientEntry {
	e := &ClientEntry{c: c}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.clients = append(as.clients, e)
	return e
}

// UnregisterClient removes a registration. It is a no-op if e is not
// registered.
func (as *AddressSpace) UnregisterClient(e *ClientEntry) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i, c := range as.clients {
		if c == e {
			as.clients = append(as.clients[:i], as.clients[i+1:]...)
			return
		}
	}
}

// snapshot returns the clients and referenced active objects of as. Objects
// that are being destroyed are skipped.
func (as *AddressSpace) snapshot(attached bool) ([]Client, []*Object) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.attached = attached
	clients := make([]Client, 0, len(as.clients))
	for _, e := range as.clients {
		clients = append(clients, e.c)
	}
	objs := make([]*Object, 0, len(as.active))
	for o := range as.active {
		if o.TryIncRef() {
			objs = append(objs, o)
		}
	}
	sortObjects(objs)
	return clients, objs
}

// NotifyDetach is called before the address space's hardware domain becomes
// invalid. Clients are told first; then every active imported object is
// unmapped and marked dirty, so that it is re-imported before it is mapped
// again. Imported objects stay in the active set. Local objects stay mapped.
func (as *AddressSpace) NotifyDetach(ctx context.Context) {
	clients, objs := as.snapshot(false)
	for _, c := range clients {
		c.DomainChanged(ctx, as, false)
	}
	for _, o := range objs {
		if o.IsImported() {
			o.mu.Lock()
			if v := o.vmas[as]; v != nil {
				o.unmapVMALocked(v)
			}
			o.dirty = true
			o.mu.Unlock()
		}
		o.DecRef(ctx)
	}
	ctx.Debugf("Address space %s detached: %d active objects", as.name, len(objs))
}

// NotifyAttach is called after the address space's hardware domain becomes
// valid again. Every active object is re-mapped; if any fails, NotifyAttach
// stops and returns the error without notifying clients. Otherwise clients
// are told that the address space is attached.
func (as *AddressSpace) NotifyAttach(ctx context.Context) error {
	as.mu.Lock()
	clients := make([]Client, 0, len(as.clients))
	for _, e := range as.clients {
		clients = append(clients, e.c)
	}
	objs := make([]*Object, 0, len(as.active))
	for o := range as.active {
		if o.TryIncRef() {
			objs = append(objs, o)
		}
	}
	as.mu.Unlock()
	sortObjects(objs)

	var err error
	for _, o := range objs {
		if err == nil {
			err = as.remap(ctx, o)
		}
		o.DecRef(ctx)
	}
	if err != nil {
		ctx.Warningf("Attaching address space %s failed: %v", as.name, err)
		return err
	}

	as.mu.Lock()
	as.attached = true
	as.mu.Unlock()
	for _, c := range clients {
		c.DomainChanged(ctx, as, true)
	}
	return nil
}

// remap re-establishes o's mapping in as, if o still has one.
func (as *AddressSpace) remap(ctx context.Context, o *Object) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.vmas[as]; !ok {
		// Dropped since the snapshot.
		return nil
	}
	if _, err := o.mapLocked(ctx, as); err != nil {
		return fmt.Errorf("remapping %v: %w", o, err)
	}
	return nil
}

func sortMappings(infos []MappingInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].AddressSpace < infos[j].AddressSpace })
}
