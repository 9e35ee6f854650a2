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
	"time"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// BusError is returned for CPU accesses that cannot be satisfied.
type BusError struct {
	Object *Object
	Offset uint64
	Madv   Madvise
}

// Error implements error.Error.
func (e *BusError) Error() string {
	return fmt.Sprintf("bus error at offset %#x of %v (%v)", e.Offset, e.Object, e.Madv)
}

// Fault resolves a CPU access at offset into the object to a physical
// address, materializing pages if needed.
func (o *Object) Fault(ctx context.Context, offset uint64) (dma.PhysAddr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.madv != WillNeed || offset >= o.size {
		return 0, &BusError{Object: o, Offset: offset, Madv: o.madv}
	}
	pages, err := o.pagesLocked(ctx)
	if err != nil {
		return 0, err
	}
	return pages[offset>>hostarch.PageShift] + dma.PhysAddr(offset&(hostarch.PageSize-1)), nil
}

// CPUPrep waits for device access to the object to finish before CPU access
// of the kind given by op. With PrepNoSync it only polls, returning EBUSY if
// the object is busy; otherwise it returns ETIMEDOUT after timeout.
func (o *Object) CPUPrep(ctx context.Context, op PrepOp, timeout time.Duration) error {
	if op&^prepFlags != 0 {
		return linuxerr.EINVAL
	}
	if op&PrepNoSync != 0 {
		timeout = 0
	}
	if err := o.resv.WaitTimeout(ctx, op&PrepWrite != 0, timeout); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flags&FlagExternal != 0 {
		o.dev.dma.SyncForCPU(o.store.SGTable(), dma.Bidirectional)
	}
	return nil
}

// CPUFini ends CPU access started with CPUPrep.
func (o *Object) CPUFini() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.flags&FlagExternal != 0 {
		o.dev.dma.SyncForDevice(o.store.SGTable(), dma.Bidirectional)
	}
	return nil
}
