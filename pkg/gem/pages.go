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

	"gvisor.dev/drmgem/pkg/cleanup"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/dmabuf"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/pagestore"
)

// AcquirePages materializes the object's pages if needed and returns them.
// It fails with EBUSY unless the object is will-need.
func (o *Object) AcquirePages(ctx context.Context) ([]dma.PhysAddr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.madv != WillNeed {
		return nil, linuxerr.EBUSY
	}
	return o.pagesLocked(ctx)
}

// pagesLocked returns the object's pages, allocating them (or performing a
// delayed import) if they are not present yet. Existing pages are returned
// whatever the madvise state; new pages are only allocated for will-need
// objects.
//
// Preconditions: o.mu is locked.
func (o *Object) pagesLocked(ctx context.Context) ([]dma.PhysAddr, error) {
	if o.imp != nil {
		if o.imp.sgt == nil {
			if err := o.importLocked(ctx); err != nil {
				return nil, err
			}
		}
		return o.imp.pages, nil
	}

	fresh := o.store == nil
	if fresh {
		if o.madv != WillNeed {
			return nil, linuxerr.EBUSY
		}
		if o.carveout {
			// Carveout pages are reserved at creation and only go away on
			// purge, which is terminal.
			panic(fmt.Sprintf("%v: carveout object lost its pages while will-need", o))
		}
		store, err := pagestore.AllocateSystemPages(o.dev.alloc, int(o.size>>hostarch.PageShift), o.ownerTag())
		if err != nil {
			ctx.Debugf("Allocating %d pages for %v failed: %v", o.size>>hostarch.PageShift, o, err)
			return nil, err
		}
		o.store = store
		pagesAllocated.IncrementBy(uint64(len(store.Pages())), "system")
	}

	// Pages of buffers that are not CPU cached are handed to the device once,
	// so that no dirty cache lines alias the device's view of them.
	if o.flags&CacheMask != FlagCached && o.flags&FlagExternal == 0 {
		if err := o.dev.dma.MapSG(o.store.SGTable(), dma.Bidirectional); err != nil {
			if fresh {
				o.releasePagesLocked()
			}
			return nil, fmt.Errorf("syncing pages of %v for %v: %w", o, o.dev.dma, err)
		}
		o.flags |= FlagExternal
	}
	return o.store.Pages(), nil
}

// sgTableLocked returns the scatter-gather table of the object's pages,
// materializing them if needed.
//
// Preconditions: o.mu is locked.
func (o *Object) sgTableLocked(ctx context.Context) (*dma.SGTable, error) {
	if _, err := o.pagesLocked(ctx); err != nil {
		return nil, err
	}
	if o.imp != nil {
		return o.imp.sgt, nil
	}
	return o.store.SGTable(), nil
}

// releasePagesLocked returns the pages of a local object.
//
// Preconditions: o.mu is locked. o is not imported.
func (o *Object) releasePagesLocked() int {
	if o.store == nil {
		return 0
	}
	if o.flags&FlagExternal != 0 {
		o.dev.dma.UnmapSG(o.store.SGTable(), dma.Bidirectional)
		o.flags &^= FlagExternal
	}
	n := len(o.store.Pages())
	o.store.Release()
	o.store = nil
	return n
}

// ownerTag is the allocation tag of the object's pages.
func (o *Object) ownerTag() string {
	if o.name != "" {
		return fmt.Sprintf("bo#%d:%s", o.id, o.name)
	}
	return fmt.Sprintf("bo#%d", o.id)
}

// mapAttrsLocked returns the attributes used to map an import.
//
// Preconditions: o.mu is locked.
func (o *Object) mapAttrsLocked() dmabuf.MapAttrs {
	return dmabuf.MapAttrs{
		SkipCPUSync: o.flags&FlagSkipSync != 0,
		KeepAttrs:   o.flags&FlagKeepAttrs != 0,
	}
}

// importLocked maps the current attachment of an imported object and derives
// its page array.
//
// Preconditions: o.mu is locked. o is imported and not mapped.
func (o *Object) importLocked(ctx context.Context) error {
	imp := o.imp
	sgt, err := imp.attach.Map(ctx, dma.Bidirectional, o.mapAttrsLocked())
	if err != nil {
		return fmt.Errorf("mapping shared buffer for %v: %w", imp.attach.Device(), err)
	}
	if sgt.Size() < o.size {
		imp.attach.Unmap(ctx, sgt, dma.Bidirectional)
		return fmt.Errorf("shared buffer maps %d bytes, want %d: %w", sgt.Size(), o.size, linuxerr.EINVAL)
	}
	imp.sgt = sgt
	imp.pages = sgt.Pages()
	if o.flags&FlagExtBuf != 0 {
		delayedImports.Increment()
	}
	return nil
}

// retargetLocked makes sure an imported object is attached to dev with a
// current mapping.
//
// States are "not mapped" and "mapped for device D". A request for the
// attached device maps it if needed. A request for another device, or any
// request while dirty, moves the attachment: the new attachment is mapped
// first, then the old one is unmapped and detached. Moving from a secure to
// a non-secure device is refused with EINVAL.
//
// Preconditions: o.mu is locked. o is imported.
func (o *Object) retargetLocked(ctx context.Context, dev *dma.Device) error {
	imp := o.imp
	cur := imp.attach.Device()
	if cur == dev && !o.dirty {
		if imp.sgt == nil {
			return o.importLocked(ctx)
		}
		return nil
	}
	if cur.Secure && !dev.Secure {
		ctx.Warningf("Refusing to move %v from secure device %v to non-secure device %v", o, cur, dev)
		return linuxerr.EINVAL
	}

	attach, err := imp.buf.Attach(ctx, dev)
	if err != nil {
		return fmt.Errorf("attaching shared buffer to %v: %w", dev, err)
	}
	cu := cleanup.Make(func() { imp.buf.Detach(ctx, attach) })
	defer cu.Clean()
	sgt, err := attach.Map(ctx, dma.Bidirectional, o.mapAttrsLocked())
	if err != nil {
		return fmt.Errorf("mapping shared buffer for %v: %w", dev, err)
	}
	cu.Release()

	if imp.sgt != nil {
		imp.attach.Unmap(ctx, imp.sgt, dma.Bidirectional)
	}
	imp.buf.Detach(ctx, imp.attach)
	imp.attach = attach
	imp.sgt = sgt
	imp.pages = sgt.Pages()
	o.dirty = false
	importReattaches.Increment()
	ctx.Debugf("Moved %v from %v to %v", o, cur, dev)
	return nil
}
