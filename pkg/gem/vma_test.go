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
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/iommu"
)

func TestStableDeviceAddress(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	as, mmu := f.addressSpace(t, "gpu", nil)
	o := f.create(t, 2*hostarch.PageSize, FlagCached)

	iova, err := o.GetDeviceAddress(f.ctx, as)
	if err != nil {
		t.Fatalf("GetDeviceAddress: %v", err)
	}
	pages, err := o.AcquirePages(f.ctx)
	if err != nil {
		t.Fatalf("AcquirePages: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, err := o.GetDeviceAddress(f.ctx, as)
		if err != nil {
			t.Fatalf("GetDeviceAddress: %v", err)
		}
		if got != iova {
			t.Errorf("GetDeviceAddress #%d = %#x, want %#x", i, got, iova)
		}
	}
	for i, pa := range pages {
		got, prot, ok := mmu.Translate(iova + uint64(i)*hostarch.PageSize)
		if !ok || got != pa || prot != iommu.ReadWrite {
			t.Errorf("Translate(page %d) = %v, %v, %t; want %v, %v", i, got, prot, ok, pa, iommu.ReadWrite)
		}
	}
	if !as.isActive(o) {
		t.Errorf("object not active after mapping")
	}

	o.DropMapping(f.ctx, as)
	if _, ok := o.LookupMapping(as); ok {
		t.Errorf("mapping still present after DropMapping")
	}
	if as.isActive(o) {
		t.Errorf("object still active after DropMapping")
	}
	if n := mmu.MappedPages(); n != 0 {
		t.Errorf("%d IOMMU pages mapped after DropMapping", n)
	}
	// The pages outlive the mapping.
	if n := f.alloc.AllocatedCount(); n != 2 {
		t.Errorf("%d pages allocated after DropMapping, want 2", n)
	}
	o.DecRef(f.ctx)
	f.checkNoLeaks(t)
}

func TestReadOnlyMapping(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	as, mmu := f.addressSpace(t, "gpu", nil)
	o := f.create(t, hostarch.PageSize, FlagCached|FlagGPUReadOnly)
	defer o.DecRef(f.ctx)

	iova, err := o.GetDeviceAddress(f.ctx, as)
	if err != nil {
		t.Fatalf("GetDeviceAddress: %v", err)
	}
	if _, prot, _ := mmu.Translate(iova); prot != iommu.ReadOnly {
		t.Errorf("prot = %v, want %v", prot, iommu.ReadOnly)
	}
}

func TestConcurrentMappingSingleWinner(t *testing.T) {
	f := newFixture(t, fixtureOpts{reclaimer: EagerReclaimer{}})
	as, mmu := f.addressSpace(t, "gpu", nil)
	o := f.create(t, 4*hostarch.PageSize, FlagCached)
	maps := iovaMaps.Value()

	const workers = 8
	var (
		mu    sync.Mutex
		iovas = make(map[uint64]int)
		g     errgroup.Group
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			iova, err := o.GetOrCreateMapping(f.ctx, as)
			if err != nil {
				return err
			}
			mu.Lock()
			iovas[iova]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetOrCreateMapping: %v", err)
	}
	if len(iovas) != 1 {
		t.Errorf("concurrent mappings produced IOVAs %v, want exactly one", iovas)
	}
	if got := iovaMaps.Value() - maps; got != 1 {
		t.Errorf("%d mappings created, want 1", got)
	}
	if n := mmu.MappedPages(); n != 4 {
		t.Errorf("%d IOMMU pages mapped, want 4", n)
	}
	want := []MappingInfo{{AddressSpace: "gpu", IOVA: iovaBase, Mapped: true, Pins: workers}}
	if diff := cmp.Diff(want, o.Mappings()); diff != "" {
		t.Errorf("Mappings() mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < workers; i++ {
		o.PutMapping(f.ctx, as)
	}
	// The eager reclaimer drops the mapping with its last pin.
	if _, ok := o.LookupMapping(as); ok {
		t.Errorf("mapping present after last PutMapping")
	}
	if n := mmu.MappedPages(); n != 0 {
		t.Errorf("%d IOMMU pages mapped after last PutMapping", n)
	}
	o.DecRef(f.ctx)
	f.checkNoLeaks(t)
}

func TestUnbalancedPutMapping(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	as, _ := f.addressSpace(t, "gpu", nil)
	o := f.create(t, hostarch.PageSize, FlagCached)
	defer o.DecRef(f.ctx)

	mustPanic(t, "PutMapping without mapping", func() { o.PutMapping(f.ctx, as) })
	if _, err := o.GetDeviceAddress(f.ctx, as); err != nil {
		t.Fatalf("GetDeviceAddress: %v", err)
	}
	mustPanic(t, "PutMapping without pin", func() { o.PutMapping(f.ctx, as) })
}

func TestMappingsInSeveralAddressSpaces(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	gpu, gpuMMU := f.addressSpace(t, "gpu", nil)
	mdp, mdpMMU := f.addressSpace(t, "mdp", nil)
	a := f.create(t, hostarch.PageSize, FlagCached)
	b := f.create(t, 2*hostarch.PageSize, FlagCached)

	for _, o := range []*Object{a, b} {
		for _, as := range []*AddressSpace{gpu, mdp} {
			if _, err := o.GetDeviceAddress(f.ctx, as); err != nil {
				t.Fatalf("GetDeviceAddress(%v, %v): %v", o, as, err)
			}
		}
	}
	if diff := cmp.Diff([]uint64{a.ID(), b.ID()}, ids(gpu.Active())); diff != "" {
		t.Errorf("gpu.Active() mismatch (-want +got):\n%s", diff)
	}
	if got, _ := b.LookupMapping(mdp); got != iovaBase+hostarch.PageSize {
		t.Errorf("second object IOVA = %#x, want %#x", got, iovaBase+hostarch.PageSize)
	}

	// Destruction drops every mapping.
	b.DecRef(f.ctx)
	if diff := cmp.Diff([]uint64{a.ID()}, ids(mdp.Active())); diff != "" {
		t.Errorf("mdp.Active() after destroy mismatch (-want +got):\n%s", diff)
	}
	a.DecRef(f.ctx)
	if n := gpuMMU.MappedPages() + mdpMMU.MappedPages(); n != 0 {
		t.Errorf("%d IOMMU pages still mapped", n)
	}
	if len(gpu.Active())+len(mdp.Active()) != 0 {
		t.Errorf("objects still active after destroy")
	}
	f.checkNoLeaks(t)
}

func TestPhysicalAddressSpace(t *testing.T) {
	f := newFixture(t, fixtureOpts{noIOMMU: true})
	as, err := f.dev.NewAddressSpace("mdp", f.dma, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	o := f.create(t, 3*hostarch.PageSize, FlagWC)
	defer o.DecRef(f.ctx)

	iova, err := o.GetDeviceAddress(f.ctx, as)
	if err != nil {
		t.Fatalf("GetDeviceAddress: %v", err)
	}
	pages, err := o.AcquirePages(f.ctx)
	if err != nil {
		t.Fatalf("AcquirePages: %v", err)
	}
	if iova != uint64(pages[0]) {
		t.Errorf("IOVA = %#x, want physical address %v", iova, pages[0])
	}
}

func TestPhysicalAddressSpaceNeedsContiguousPages(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	as, err := f.dev.NewAddressSpace("mdp", f.dma, nil, 0, 0)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	// Leave a hole in the system allocator so that the next two-page object
	// is scattered.
	hole := f.create(t, hostarch.PageSize, FlagCached)
	keep := f.create(t, hostarch.PageSize, FlagCached)
	defer keep.DecRef(f.ctx)
	for _, o := range []*Object{hole, keep} {
		if _, err := o.AcquirePages(f.ctx); err != nil {
			t.Fatalf("AcquirePages: %v", err)
		}
	}
	hole.DecRef(f.ctx)

	o := f.create(t, 2*hostarch.PageSize, FlagCached)
	defer o.DecRef(f.ctx)
	if _, err := o.GetDeviceAddress(f.ctx, as); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("GetDeviceAddress of scattered pages got err %v, want EINVAL", err)
	}
	if as.isActive(o) {
		t.Errorf("object active after failed mapping")
	}
}

func TestIOMMUMapFailureRollsBack(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	as, mmu := f.addressSpace(t, "gpu", nil)
	o := f.create(t, hostarch.PageSize, FlagCached)
	defer o.DecRef(f.ctx)

	mmu.FailNextMap(linuxerr.ENOSPC)
	if _, err := o.GetOrCreateMapping(f.ctx, as); !linuxerr.Equals(linuxerr.ENOSPC, err) {
		t.Fatalf("GetOrCreateMapping got err %v, want ENOSPC", err)
	}
	if u := as.iova.Usage(); u.Used != 0 {
		t.Errorf("IOVA space used after failure: %#x", u.Used)
	}
	if len(o.Mappings()) != 0 || as.isActive(o) {
		t.Errorf("mapping recorded after failure")
	}
	iova, err := o.GetOrCreateMapping(f.ctx, as)
	if err != nil {
		t.Fatalf("GetOrCreateMapping retry: %v", err)
	}
	if iova != iovaBase {
		t.Errorf("IOVA = %#x, want %#x", iova, iovaBase)
	}
	o.PutMapping(f.ctx, as)
}
