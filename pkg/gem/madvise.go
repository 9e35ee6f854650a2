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
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

// SetMadvise sets the object's eviction hint to WillNeed or DontNeed. Purged
// objects stay purged. It returns false if the object has been purged.
func (o *Object) SetMadvise(madv Madvise) (bool, error) {
	if madv != WillNeed && madv != DontNeed {
		return false, linuxerr.EINVAL
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.madv != Purged {
		o.madv = madv
	}
	return o.madv != Purged, nil
}

// purgeableLocked returns true if the object's pages can be taken away.
//
// Preconditions: o.mu is locked.
func (o *Object) purgeableLocked() bool {
	if o.imp != nil || o.vmapCount != 0 {
		return false
	}
	for _, v := range o.vmas {
		if v.pins != 0 || v.held {
			return false
		}
	}
	return true
}

// purgeLocked drops every mapping and the pages of a don't-need object and
// marks it purged. It returns the number of pages released.
//
// Preconditions: o.mu is locked. o.purgeableLocked() and o.madv == DontNeed.
func (o *Object) purgeLocked(ctx context.Context) int {
	for as, v := range o.vmas {
		o.dropVMALocked(as, v)
	}
	o.vunmapLocked(ctx)
	n := o.releasePagesLocked()
	o.madv = Purged
	pagesPurged.IncrementBy(uint64(n))
	ctx.Debugf("Purged %v: %d pages", o, n)
	return n
}

// Purge releases the pages of a don't-need object. It fails with EBUSY if
// the object is not don't-need, is imported, or is still in use. Pinned and
// held device mappings and kernel mapping references count as uses.
func (o *Object) Purge(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.madv != DontNeed || !o.purgeableLocked() {
		return 0, linuxerr.EBUSY
	}
	return o.purgeLocked(ctx), nil
}

// unmapIdleLocked tears down o's mapping in as if nothing uses it. If as is
// nil it tears down the kernel mapping instead. Held mappings, and mappings
// detached with their address space that wait for the next attach, are left
// alone.
//
// Preconditions: o.mu is locked.
func (o *Object) unmapIdleLocked(ctx context.Context, as *AddressSpace) {
	if as == nil {
		if o.vmapCount == 0 {
			o.vunmapLocked(ctx)
		}
		return
	}
	if v := o.vmas[as]; v != nil && v.pins == 0 && !v.held && v.mapped {
		o.dropVMALocked(as, v)
	}
}

// reclaimLocked tears down o's idle mapping in as (the kernel mapping if as
// is nil), then purges o if it is don't-need and nothing uses it. It returns
// the number of pages released.
//
// Preconditions: o.mu is locked.
func (o *Object) reclaimLocked(ctx context.Context, as *AddressSpace) int {
	o.unmapIdleLocked(ctx, as)
	if o.madv == DontNeed && o.purgeableLocked() {
		return o.purgeLocked(ctx)
	}
	return 0
}

// Shrink purges unused don't-need objects, oldest first, until at least
// nrPages pages have been released or no candidate is left. Objects that are
// locked by someone else are skipped. It returns the number of pages
// released.
func (d *Device) Shrink(ctx context.Context, nrPages int) int {
	freed := 0
	for _, o := range d.Objects() {
		if freed >= nrPages {
			break
		}
		if !o.TryIncRef() {
			continue
		}
		if o.mu.TryLock() {
			if o.madv == DontNeed && o.purgeableLocked() {
				freed += o.purgeLocked(ctx)
			}
			o.mu.Unlock()
		} else {
			reclaimSkips.Increment()
		}
		o.DecRef(ctx)
	}
	return freed
}
