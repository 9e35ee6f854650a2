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
	"sync"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/dmabuf"
	"gvisor.dev/drmgem/pkg/pagestore"
	"gvisor.dev/drmgem/pkg/refs"
	"gvisor.dev/drmgem/pkg/resv"
)

// maxNameLen is the maximum length of an object name in bytes.
const maxNameLen = 32

// importState is the state of an imported buffer. It is protected by
// Object.mu.
type importState struct {
	buf    dmabuf.Buffer
	attach dmabuf.Attachment

	// sgt is the attachment's mapping, or nil before delayed import.
	sgt *dma.SGTable

	// pages is the page array derived from sgt. The pages belong to the
	// exporter.
	pages []dma.PhysAddr
}

// Object is a graphics buffer object.
type Object struct {
	refs.Refs[Object]

	dev  *Device
	size uint64

	// id is assigned at registration and is immutable afterwards.
	id uint64

	// resv is the object's reservation. It is either owned, or borrowed from
	// the imported buffer. It is immutable and never nil.
	resv *resv.Reservation

	// carveout is true if the pages come from the device carveout. It is
	// immutable.
	carveout bool

	mu sync.Mutex

	// The following fields are protected by mu.
	flags Flags
	madv  Madvise
	// dirty is set when an import's device mapping went stale because its
	// address space was detached. It forces a re-attach on the next map.
	dirty bool
	name  string

	// store holds the pages of a local object; nil until first use or after
	// purge.
	store pagestore.Store
	// imp is non-nil for imported objects.
	imp *importState

	// vmas maps each address space the object is mapped into to its
	// mapping.
	vmas map[*AddressSpace]*vma

	// vaddr is the kernel mapping, or 0. vmapCount is the number of
	// outstanding AcquireKernelMapping calls. vunmap removes the mapping.
	vaddr     uintptr
	vmapCount int
	vunmap    func(ctx context.Context)
}

func newObject(d *Device, size uint64, flags Flags) *Object {
	return &Object{
		dev:   d,
		size:  size,
		flags: flags,
		vmas:  make(map[*AddressSpace]*vma),
	}
}

// ID returns the object's device-unique ID.
func (o *Object) ID() uint64 {
	return o.id
}

// Size returns the size of the object in bytes. It is always page aligned.
func (o *Object) Size() uint64 {
	return o.size
}

// Resv returns the object's reservation.
func (o *Object) Resv() *resv.Reservation {
	return o.resv
}

// IsImported returns true if the object wraps a shared buffer.
func (o *Object) IsImported() bool {
	// imp is set before the object is published and never cleared.
	return o.imp != nil
}

// Flags returns the object's flags.
func (o *Object) Flags() Flags {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flags
}

// Madvise returns the object's madvise state.
func (o *Object) Madvise() Madvise {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.madv
}

// Dirty returns true if the object must be re-imported before it is mapped
// again.
func (o *Object) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// SetName labels the object for debug output. The result is truncated to 32
// bytes.
func (o *Object) SetName(format string, v ...any) {
	name := fmt.Sprintf(format, v...)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.name = name
}

// Name returns the object's name.
func (o *Object) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.name
}

// String implements fmt.Stringer.String.
func (o *Object) String() string {
	kind := "local"
	if o.imp != nil {
		kind = "import"
	}
	return fmt.Sprintf("bo#%d(%s, %d bytes)", o.id, kind, o.size)
}

// DecRef drops a reference on o and destroys it when the last reference is
// gone.
func (o *Object) DecRef(ctx context.Context) {
	o.Refs.DecRef(func() {
		o.destroy(ctx)
	})
}

// destroy tears down every mapping of o and releases its memory.
func (o *Object) destroy(ctx context.Context) {
	d := o.dev
	d.unregister(o)
	aspaces := d.AddressSpaces()

	o.mu.Lock()
	defer o.mu.Unlock()

	for as, v := range o.vmas {
		o.dropVMALocked(as, v)
	}
	for _, as := range aspaces {
		if as.isActive(o) {
			panic(fmt.Sprintf("%v destroyed while still active in address space %s", o, as.name))
		}
	}

	if o.vmapCount != 0 {
		ctx.Warningf("%v destroyed with %d kernel mapping references outstanding", o, o.vmapCount)
	}
	o.vunmapLocked(ctx)

	if imp := o.imp; imp != nil {
		if imp.sgt != nil {
			imp.attach.Unmap(ctx, imp.sgt, dma.Bidirectional)
			imp.sgt = nil
		}
		imp.buf.Detach(ctx, imp.attach)
		// Only the page array is ours; the pages belong to the exporter.
		imp.pages = nil
		imp.buf.DecRef(ctx)
	} else {
		o.releasePagesLocked()
	}
	objectsDestroyed.Increment()
	ctx.Debugf("Destroyed %v", o)
}
