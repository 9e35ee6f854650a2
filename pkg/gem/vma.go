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

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/iommu"
	"gvisor.dev/drmgem/pkg/rangealloc"
)

// vma is the mapping of one object into one address space. All fields are
// protected by the owning Object's mu.
type vma struct {
	as *AddressSpace

	// iova is the device address of the object. It is valid while mapped.
	iova uint64

	// node is the IOVA reservation when the address space has an MMU.
	node *rangealloc.Node

	// mapped is false after the address space was detached under an
	// imported object; the vma is re-established on the next map.
	mapped bool

	// pins counts GetOrCreateMapping calls not yet matched by PutMapping.
	pins int

	// held is set by GetDeviceAddress. A held mapping is only removed by
	// DropMapping, purge or destruction.
	held bool
}

// protLocked returns the device access permitted to o.
//
// Preconditions: o.mu is locked.
func (o *Object) protLocked() iommu.Prot {
	if o.flags&FlagGPUReadOnly != 0 {
		return iommu.ReadOnly
	}
	return iommu.ReadWrite
}

// mapLocked returns o's mapping in as, creating it if it does not exist or
// was invalidated by a detach.
//
// Preconditions: o.mu is locked.
func (o *Object) mapLocked(ctx context.Context, as *AddressSpace) (*vma, error) {
	v := o.vmas[as]
	if v != nil && v.mapped {
		return v, nil
	}
	if o.imp != nil {
		if err := o.retargetLocked(ctx, as.dma); err != nil {
			return nil, err
		}
	}
	sgt, err := o.sgTableLocked(ctx)
	if err != nil {
		return nil, err
	}
	iova, node, err := as.mapSG(sgt, o.size, o.protLocked())
	if err != nil {
		ctx.Debugf("Mapping %v into %s failed: %v", o, as.name, err)
		return nil, err
	}
	if v == nil {
		v = &vma{as: as}
		o.vmas[as] = v
	}
	v.iova = iova
	v.node = node
	v.mapped = true
	as.addActive(o)
	iovaMaps.Increment()
	return v, nil
}

// unmapVMALocked removes v's device mapping but keeps v.
//
// Preconditions: o.mu is locked.
func (o *Object) unmapVMALocked(v *vma) {
	if !v.mapped {
		return
	}
	v.as.unmapRange(v.iova, o.size, v.node)
	v.node = nil
	v.mapped = false
	iovaUnmaps.Increment()
}

// dropVMALocked unmaps and forgets v, and removes o from the address space's
// active set.
//
// Preconditions: o.mu is locked.
func (o *Object) dropVMALocked(as *AddressSpace, v *vma) {
	o.unmapVMALocked(v)
	delete(o.vmas, as)
	as.removeActive(o)
}

// GetDeviceAddress returns o's IOVA in as, creating the mapping if absent.
// The mapping is not pinned, but it is held: reclaimers leave it in place
// until DropMapping.
func (o *Object) GetDeviceAddress(ctx context.Context, as *AddressSpace) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, err := o.mapLocked(ctx, as)
	if err != nil {
		return 0, err
	}
	v.held = true
	return v.iova, nil
}

// GetOrCreateMapping returns o's IOVA in as, creating the mapping if absent,
// and pins the mapping. Each call must be matched by PutMapping.
//
// Concurrent calls for the same address space observe the same IOVA.
func (o *Object) GetOrCreateMapping(ctx context.Context, as *AddressSpace) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, err := o.mapLocked(ctx, as)
	if err != nil {
		return 0, err
	}
	v.pins++
	return v.iova, nil
}

// PutMapping unpins o's mapping in as. The mapping stays in place until the
// reclaimer, DropMapping or destruction removes it.
func (o *Object) PutMapping(ctx context.Context, as *AddressSpace) {
	o.mu.Lock()
	v := o.vmas[as]
	if v == nil || v.pins == 0 {
		o.mu.Unlock()
		panic(fmt.Sprintf("%v: unbalanced PutMapping in address space %s", o, as.name))
	}
	v.pins--
	idle := v.pins == 0
	o.mu.Unlock()

	if idle {
		o.dev.reclaimer.Idle(ctx, o, as)
	}
}

// DropMapping removes o's mapping in as, if any, regardless of pins. Memory
// is not released; pages stay with the object.
func (o *Object) DropMapping(ctx context.Context, as *AddressSpace) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v := o.vmas[as]; v != nil {
		if v.pins != 0 {
			ctx.Debugf("Dropping mapping of %v in %s with %d pins", o, as.name, v.pins)
		}
		o.dropVMALocked(as, v)
	}
}

// LookupMapping returns o's IOVA in as without creating a mapping.
func (o *Object) LookupMapping(as *AddressSpace) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.vmas[as]
	if v == nil || !v.mapped {
		return 0, false
	}
	return v.iova, true
}

// MappingInfo describes one mapping of an object.
type MappingInfo struct {
	AddressSpace string
	IOVA         uint64
	Mapped       bool
	Pins         int
	Held         bool
}

// Mappings returns o's mappings ordered by address space name.
func (o *Object) Mappings() []MappingInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mappingsLocked()
}

// Preconditions: o.mu is locked.
func (o *Object) mappingsLocked() []MappingInfo {
	infos := make([]MappingInfo, 0, len(o.vmas))
	for as, v := range o.vmas {
		infos = append(infos, MappingInfo{
			AddressSpace: as.name,
			IOVA:         v.iova,
			Mapped:       v.mapped,
			Pins:         v.pins,
			Held:         v.held,
		})
	}
	sortMappings(infos)
	return infos
}
