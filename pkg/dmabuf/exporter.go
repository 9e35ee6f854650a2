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

package dmabuf

import (
	"fmt"
	"sync"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/memfile"
	"gvisor.dev/drmgem/pkg/pagestore"
	"gvisor.dev/drmgem/pkg/refs"
	"gvisor.dev/drmgem/pkg/resv"
)

// Op identifies a MemBuffer operation for fault injection.
type Op int

// Operations that can be failed with MemBuffer.FailNext.
const (
	OpAttach Op = iota
	OpMap
	OpVmap
	OpBeginCPUAccess
)

// Exporter exports buffers backed by pages of a memory file, standing in for
// another driver (a camera, a video decoder) that shares memory with the
// display.
type Exporter struct {
	file  *memfile.File
	alloc pagestore.Allocator
}

// NewExporter returns an exporter that allocates pages from alloc. alloc must
// hand out pages of file.
func NewExporter(file *memfile.File, alloc pagestore.Allocator) *Exporter {
	return &Exporter{file: file, alloc: alloc}
}

// Export allocates a new buffer of size bytes, rounded up to the page size.
// The caller holds the initial reference.
func (e *Exporter) Export(ctx context.Context, name string, size uint64) (*MemBuffer, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, linuxerr.EINVAL
	}
	pages, err := e.alloc.AllocatePages(int(size>>hostarch.PageShift), "dmabuf:"+name)
	if err != nil {
		return nil, err
	}
	b := &MemBuffer{
		exp:         e,
		name:        name,
		size:        size,
		pages:       pages,
		resv:        resv.New(),
		attachments: make(map[*memAttachment]struct{}),
		vmaps:       make(map[uintptr]*memfile.Mapping),
		faults:      make(map[Op]error),
	}
	b.InitRefs()
	ctx.Debugf("Exported dma-buf %q: %d pages", name, len(pages))
	return b, nil
}

// MemBuffer is a Buffer exported by Exporter.
type MemBuffer struct {
	refs.Refs[MemBuffer]

	exp   *Exporter
	name  string
	size  uint64
	pages []dma.PhysAddr
	resv  *resv.Reservation

	mu sync.Mutex
	// The following fields are protected by mu.
	attachments map[*memAttachment]struct{}
	vmaps       map[uintptr]*memfile.Mapping
	faults      map[Op]error
	cpuAccess   int
	attaches    int
	lastAttrs   MapAttrs
}

var _ Buffer = (*MemBuffer)(nil)

// Name returns the name the buffer was exported with.
func (b *MemBuffer) Name() string {
	return b.name
}

// Size implements Buffer.Size.
func (b *MemBuffer) Size() uint64 {
	return b.size
}

// Pages returns the buffer's pages.
func (b *MemBuffer) Pages() []dma.PhysAddr {
	return b.pages
}

// Resv implements Buffer.Resv.
func (b *MemBuffer) Resv() *resv.Reservation {
	return b.resv
}

// FailNext causes the next op to fail with err.
func (b *MemBuffer) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = err
}

// faultLocked consumes an injected failure for op.
//
// Preconditions: b.mu is locked.
func (b *MemBuffer) faultLocked(op Op) error {
	err := b.faults[op]
	delete(b.faults, op)
	return err
}

// Attach implements Buffer.Attach.
func (b *MemBuffer) Attach(ctx context.Context, dev *dma.Device) (Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faultLocked(OpAttach); err != nil {
		return nil, err
	}
	a := &memAttachment{buf: b, dev: dev}
	b.attachments[a] = struct{}{}
	b.attaches++
	ctx.Debugf("dma-buf %q attached to %v", b.name, dev)
	return a, nil
}

// Detach implements Buffer.Detach.
func (b *MemBuffer) Detach(ctx context.Context, a Attachment) {
	ma, ok := a.(*memAttachment)
	if !ok || ma.buf != b {
		panic(fmt.Sprintf("detaching foreign attachment %v from dma-buf %q", a, b.name))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.attachments[ma]; !ok {
		panic(fmt.Sprintf("dma-buf %q: attachment to %v detached twice", b.name, ma.dev))
	}
	if ma.mapped != 0 {
		panic(fmt.Sprintf("dma-buf %q: detaching %v with %d outstanding maps", b.name, ma.dev, ma.mapped))
	}
	delete(b.attachments, ma)
	ctx.Debugf("dma-buf %q detached from %v", b.name, ma.dev)
}

// Vmap implements Buffer.Vmap.
func (b *MemBuffer) Vmap(ctx context.Context) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faultLocked(OpVmap); err != nil {
		return 0, err
	}
	m, err := b.exp.file.Vmap(b.pages)
	if err != nil {
		return 0, err
	}
	b.vmaps[m.Addr()] = m
	return m.Addr(), nil
}

// Vunmap implements Buffer.Vunmap.
func (b *MemBuffer) Vunmap(ctx context.Context, addr uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.vmaps[addr]
	if !ok {
		panic(fmt.Sprintf("dma-buf %q: vunmap of unknown address %#x", b.name, addr))
	}
	delete(b.vmaps, addr)
	m.Unmap()
}

// BeginCPUAccess implements Buffer.BeginCPUAccess.
func (b *MemBuffer) BeginCPUAccess(ctx context.Context, dir dma.Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faultLocked(OpBeginCPUAccess); err != nil {
		return err
	}
	b.cpuAccess++
	return nil
}

// EndCPUAccess implements Buffer.EndCPUAccess.
func (b *MemBuffer) EndCPUAccess(ctx context.Context, dir dma.Direction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cpuAccess == 0 {
		panic(fmt.Sprintf("dma-buf %q: EndCPUAccess without BeginCPUAccess", b.name))
	}
	b.cpuAccess--
	return nil
}

// DecRef implements Buffer.DecRef.
func (b *MemBuffer) DecRef(ctx context.Context) {
	b.Refs.DecRef(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.attachments) != 0 || len(b.vmaps) != 0 {
			panic(fmt.Sprintf("dma-buf %q released with %d attachments and %d vmaps", b.name, len(b.attachments), len(b.vmaps)))
		}
		b.exp.alloc.FreePages(b.pages)
		b.pages = nil
		ctx.Debugf("Released dma-buf %q", b.name)
	})
}

// Stats is a snapshot of a MemBuffer's importer-visible state.
type Stats struct {
	// Attachments is the number of live attachments.
	Attachments int
	// TotalAttaches is the number of Attach calls that succeeded.
	TotalAttaches int
	// Mapped is the number of outstanding attachment maps.
	Mapped int
	// Vmaps is the number of outstanding kernel mappings.
	Vmaps int
	// LastAttrs are the attributes of the most recent Map.
	LastAttrs MapAttrs
}

// Stats returns a snapshot of b's state.
func (b *MemBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Attachments:   len(b.attachments),
		TotalAttaches: b.attaches,
		Vmaps:         len(b.vmaps),
		LastAttrs:     b.lastAttrs,
	}
	for a := range b.attachments {
		s.Mapped += a.mapped
	}
	return s
}

// memAttachment implements Attachment.
type memAttachment struct {
	buf *MemBuffer
	dev *dma.Device

	// mapped is protected by buf.mu.
	mapped int
	// skipped is the set of live SG tables mapped without CPU sync. It is
	// protected by buf.mu.
	skipped map[*dma.SGTable]struct{}
}

// Device implements Attachment.Device.
func (a *memAttachment) Device() *dma.Device {
	return a.dev
}

// Map implements Attachment.Map.
func (a *memAttachment) Map(ctx context.Context, dir dma.Direction, attrs MapAttrs) (*dma.SGTable, error) {
	b := a.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faultLocked(OpMap); err != nil {
		return nil, err
	}
	sgt := dma.NewSGTable(b.pages)
	if attrs.SkipCPUSync {
		if a.skipped == nil {
			a.skipped = make(map[*dma.SGTable]struct{})
		}
		a.skipped[sgt] = struct{}{}
	} else if err := a.dev.MapSG(sgt, dir); err != nil {
		return nil, err
	}
	a.mapped++
	b.lastAttrs = attrs
	return sgt, nil
}

// Unmap implements Attachment.Unmap.
func (a *memAttachment) Unmap(ctx context.Context, sgt *dma.SGTable, dir dma.Direction) {
	b := a.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.mapped == 0 {
		panic(fmt.Sprintf("dma-buf %q: unmap of unmapped attachment to %v", b.name, a.dev))
	}
	a.mapped--
	if _, ok := a.skipped[sgt]; ok {
		delete(a.skipped, sgt)
		return
	}
	a.dev.UnmapSG(sgt, dir)
}

// String implements fmt.Stringer.String.
func (a *memAttachment) String() string {
	return fmt.Sprintf("%s@%v", a.buf.name, a.dev)
}
