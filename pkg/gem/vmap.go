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
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

// AcquireKernelMapping returns the kernel address of the object, creating
// the mapping if needed, and takes a reference on the mapping.
//
// It fails with EBUSY if the object's madvise state is past minMadv. The
// mapping reference count is unchanged on failure.
func (o *Object) AcquireKernelMapping(ctx context.Context, minMadv Madvise) (uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// The count is raised before the madvise check and restored on every
	// failure path.
	o.vmapCount++
	if o.madv > minMadv {
		o.vmapCount--
		return 0, linuxerr.EBUSY
	}
	if o.vaddr == 0 {
		if err := o.vmapLocked(ctx); err != nil {
			o.vmapCount--
			return 0, err
		}
	}
	return o.vaddr, nil
}

// GetKernelAddress is AcquireKernelMapping for will-need objects.
func (o *Object) GetKernelAddress(ctx context.Context) (uintptr, error) {
	return o.AcquireKernelMapping(ctx, WillNeed)
}

// ReleaseKernelMapping drops a reference taken by AcquireKernelMapping. The
// mapping itself is removed by the reclaimer once unused.
func (o *Object) ReleaseKernelMapping(ctx context.Context) {
	o.mu.Lock()
	if o.vmapCount == 0 {
		o.mu.Unlock()
		panic(fmt.Sprintf("%v: kernel mapping reference count underflow", o))
	}
	o.vmapCount--
	idle := o.vmapCount == 0
	o.mu.Unlock()

	if idle {
		o.dev.reclaimer.Idle(ctx, o, nil)
	}
}

// KernelMappingCount returns the number of outstanding kernel mapping
// references.
func (o *Object) KernelMappingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vmapCount
}

// HasKernelMapping returns true if the object is mapped into the kernel
// address space.
func (o *Object) HasKernelMapping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vaddr != 0
}

// vmapLocked creates the kernel mapping.
//
// Preconditions: o.mu is locked. o.vaddr == 0.
func (o *Object) vmapLocked(ctx context.Context) error {
	if imp := o.imp; imp != nil {
		buf := imp.buf
		coherent := o.dev.dma.Coherent
		if !coherent {
			if err := buf.BeginCPUAccess(ctx, dma.Bidirectional); err != nil {
				return fmt.Errorf("preparing CPU access to %v: %w", o, err)
			}
		}
		addr, err := buf.Vmap(ctx)
		if !coherent {
			if endErr := buf.EndCPUAccess(ctx, dma.Bidirectional); endErr != nil && err == nil {
				buf.Vunmap(ctx, addr)
				err = endErr
			}
		}
		if err != nil {
			return fmt.Errorf("mapping %v into the kernel: %w", o, err)
		}
		o.vaddr = addr
		o.vunmap = func(ctx context.Context) { buf.Vunmap(ctx, addr) }
		vmaps.Increment()
		return nil
	}

	pages, err := o.pagesLocked(ctx)
	if err != nil {
		return err
	}
	m, err := o.dev.mem.Vmap(pages)
	if err != nil {
		return fmt.Errorf("mapping %v into the kernel: %w", o, err)
	}
	o.vaddr = m.Addr()
	o.vunmap = func(context.Context) { m.Unmap() }
	vmaps.Increment()
	return nil
}

// vunmapLocked removes the kernel mapping, if any.
//
// Preconditions: o.mu is locked.
func (o *Object) vunmapLocked(ctx context.Context) {
	if o.vaddr == 0 {
		return
	}
	o.vunmap(ctx)
	o.vaddr = 0
	o.vunmap = nil
	vunmaps.Increment()
}
