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

// Package gem implements graphics buffer objects and the device address
// spaces they are mapped into.
//
// A buffer Object owns (or, when imported, borrows) physical pages, which
// are materialized lazily on first use. Each Object may be mapped into any
// number of AddressSpaces, at most once each; the mapping gives the buffer a
// device virtual address (IOVA) that display and GPU hardware consume. An
// Object may also be mapped into the kernel address space for CPU access.
//
// Lock order:
//
//	Object.mu
//		AddressSpace.mu
//
// Device.mu, DeferredReclaimer.mu, rangealloc.Allocator and iommu.Domain
// locks are leaves.
// AddressSpace.mu is held only to update or snapshot the active set and the
// client list.
package gem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gvisor.dev/drmgem/pkg/cleanup"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/dmabuf"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/iommu"
	"gvisor.dev/drmgem/pkg/memfile"
	"gvisor.dev/drmgem/pkg/pagestore"
	"gvisor.dev/drmgem/pkg/rangealloc"
	"gvisor.dev/drmgem/pkg/resv"
)

// Config configures a Device.
type Config struct {
	// DMA is the device buffers are attached to on import and synced for
	// when they are not CPU cached.
	DMA *dma.Device

	// Memory backs kernel mappings of local buffers.
	Memory *memfile.File

	// Allocator provides system pages.
	Allocator pagestore.Allocator

	// Carveout is the contiguous pool. It is required if HasIOMMU is false.
	Carveout *pagestore.Carveout

	// HasIOMMU is true if address spaces can translate scattered pages.
	HasIOMMU bool

	// Reclaimer decides when idle mappings are torn down. If nil, a
	// DeferredReclaimer is used; nothing scans it until the caller does.
	Reclaimer Reclaimer
}

// Device is a display device: the registry of its buffer objects and
// address spaces.
type Device struct {
	dma       *dma.Device
	mem       *memfile.File
	alloc     pagestore.Allocator
	carveout  *pagestore.Carveout
	hasIOMMU  bool
	reclaimer Reclaimer

	mu sync.Mutex
	// objects is the list of live buffer objects. It is protected by mu.
	objects map[*Object]struct{}
	// aspaces are the registered address spaces, in creation order. It is
	// protected by mu.
	aspaces []*AddressSpace
	// nextID is the ID of the next object. It is protected by mu.
	nextID uint64
}

// NewDevice returns a new Device.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.DMA == nil || cfg.Memory == nil || cfg.Allocator == nil {
		return nil, fmt.Errorf("device needs a DMA device, memory and an allocator: %w", linuxerr.EINVAL)
	}
	if !cfg.HasIOMMU && cfg.Carveout == nil {
		return nil, fmt.Errorf("device without IOMMU needs a carveout: %w", linuxerr.ENODEV)
	}
	r := cfg.Reclaimer
	if r == nil {
		r = NewDeferredReclaimer(time.Second)
	}
	return &Device{
		dma:       cfg.DMA,
		mem:       cfg.Memory,
		alloc:     cfg.Allocator,
		carveout:  cfg.Carveout,
		hasIOMMU:  cfg.HasIOMMU,
		reclaimer: r,
		objects:   make(map[*Object]struct{}),
		nextID:    1,
	}, nil
}

// DMA returns the device's DMA device.
func (d *Device) DMA() *dma.Device {
	return d.dma
}

// Reclaimer returns the device's reclamation policy.
func (d *Device) Reclaimer() Reclaimer {
	return d.reclaimer
}

// useCarveout decides where a new buffer's pages come from.
func (d *Device) useCarveout(flags Flags) bool {
	if d.carveout == nil {
		return false
	}
	return !d.hasIOMMU || flags&(FlagScanout|FlagStolen) != 0
}

// register adds o to the object list and assigns its ID.
func (d *Device) register(o *Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o.id = d.nextID
	d.nextID++
	d.objects[o] = struct{}{}
}

func (d *Device) unregister(o *Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, o)
}

// Create allocates a new buffer object of at least size bytes. flags must
// select exactly one cache policy. The caller holds the initial reference.
//
// Carveout buffers reserve their pages immediately; system buffers
// materialize pages on first use.
func (d *Device) Create(ctx context.Context, size uint64, flags Flags) (*Object, error) {
	if flags&^validCreateFlags != 0 {
		return nil, linuxerr.EINVAL
	}
	if err := checkCacheFlags(flags); err != nil {
		return nil, err
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, linuxerr.EINVAL
	}

	o := newObject(d, size, flags)
	o.resv = resv.New()
	o.carveout = d.useCarveout(flags)
	if o.carveout {
		store, err := pagestore.AllocateCarveoutPages(d.carveout, int(size>>hostarch.PageShift))
		if err != nil {
			ctx.Debugf("Carveout allocation of %d bytes failed: %v", size, err)
			return nil, err
		}
		o.store = store
		pagesAllocated.IncrementBy(uint64(len(store.Pages())), "carveout")
	}
	o.InitRefs()
	d.register(o)
	objectsCreated.Increment("local")
	ctx.Debugf("Created %v", o)
	return o, nil
}

// Import wraps the shared buffer buf in a new buffer object. The object
// borrows buf's reservation and holds a reference on buf until it is
// destroyed. Unless flags has FlagExtBuf, buf is mapped for the device
// immediately; otherwise the mapping is delayed until first use.
func (d *Device) Import(ctx context.Context, buf dmabuf.Buffer, flags Flags) (*Object, error) {
	if flags&^validImportFlags != 0 {
		return nil, linuxerr.EINVAL
	}
	if flags&CacheMask == 0 {
		flags |= FlagWC
	}
	if err := checkCacheFlags(flags); err != nil {
		return nil, err
	}
	size := buf.Size()
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, linuxerr.EINVAL
	}

	attach, err := buf.Attach(ctx, d.dma)
	if err != nil {
		return nil, fmt.Errorf("attaching shared buffer to %v: %w", d.dma, err)
	}
	cu := cleanup.Make(func() { buf.Detach(ctx, attach) })
	defer cu.Clean()

	o := newObject(d, size, flags)
	o.resv = buf.Resv()
	o.imp = &importState{buf: buf, attach: attach}
	if flags&FlagExtBuf == 0 {
		if err := o.importLocked(ctx); err != nil {
			return nil, err
		}
	}
	cu.Release()

	buf.IncRef()
	o.InitRefs()
	d.register(o)
	objectsCreated.Increment("import")
	ctx.Debugf("Imported %v", o)
	return o, nil
}

// NewAddressSpace creates and registers an address space for dev. If mmu is
// nil, buffers are addressed physically and must be contiguous; otherwise
// IOVAs are allocated from [iovaBase, iovaBase+iovaSize).
func (d *Device) NewAddressSpace(name string, dev *dma.Device, mmu *iommu.Domain, iovaBase, iovaSize uint64) (*AddressSpace, error) {
	if dev == nil {
		return nil, linuxerr.EINVAL
	}
	as := &AddressSpace{
		name:     name,
		dev:      d,
		dma:      dev,
		mmu:      mmu,
		active:   make(map[*Object]struct{}),
		attached: true,
	}
	if mmu != nil {
		if iovaSize == 0 || !hostarch.IsPageAligned(iovaBase) || !hostarch.IsPageAligned(iovaSize) {
			return nil, linuxerr.EINVAL
		}
		as.iova = rangealloc.New(iovaBase, iovaSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, other := range d.aspaces {
		if other.name == name {
			return nil, linuxerr.EEXIST
		}
	}
	d.aspaces = append(d.aspaces, as)
	return as, nil
}

// AddressSpaces returns the registered address spaces in creation order.
func (d *Device) AddressSpaces() []*AddressSpace {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*AddressSpace(nil), d.aspaces...)
}

// AddressSpace returns the address space with the given name.
func (d *Device) AddressSpace(name string) (*AddressSpace, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, as := range d.aspaces {
		if as.name == name {
			return as, true
		}
	}
	return nil, false
}

// Objects returns the live objects ordered by ID. The returned objects are
// not referenced; callers must use TryIncRef before operating on them.
func (d *Device) Objects() []*Object {
	d.mu.Lock()
	objs := make([]*Object, 0, len(d.objects))
	for o := range d.objects {
		objs = append(objs, o)
	}
	d.mu.Unlock()
	sortObjects(objs)
	return objs
}

// ObjectCount returns the number of live objects.
func (d *Device) ObjectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

func sortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].id < objs[j].id })
}
