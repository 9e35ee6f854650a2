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
	"testing"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/context/contexttest"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/dmabuf"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/iommu"
	"gvisor.dev/drmgem/pkg/memfile"
	"gvisor.dev/drmgem/pkg/pagestore"
)

// Memory layout of the test fixture, in pages: system pages, then the
// carveout, then the exporter's pages.
const (
	systemPages   = 32
	carveoutPages = 16
	exportPages   = 16

	iovaBase = 0x100000
	iovaSize = 0x1000000
)

type fixtureOpts struct {
	noIOMMU     bool
	noCarveout  bool
	nonCoherent bool
	reclaimer   Reclaimer
}

type fixture struct {
	ctx      context.Context
	mem      *memfile.File
	alloc    *pagestore.SystemAllocator
	carveout *pagestore.Carveout
	expAlloc *pagestore.SystemAllocator
	exp      *dmabuf.Exporter
	dma      *dma.Device
	dev      *Device
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	total := uint64(systemPages+carveoutPages+exportPages) * hostarch.PageSize
	mem, err := memfile.New("gem-test", memfile.DefaultBase, total)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	base := mem.Base()
	alloc, err := pagestore.NewSystemAllocator(mem, base, systemPages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewSystemAllocator: %v", err)
	}
	f := &fixture{
		ctx:   contexttest.Context(t),
		mem:   mem,
		alloc: alloc,
		dma:   dma.NewDevice("mdp", false, !opts.nonCoherent),
	}
	if !opts.noCarveout {
		f.carveout, err = pagestore.NewCarveout(mem, base+systemPages*hostarch.PageSize, carveoutPages*hostarch.PageSize)
		if err != nil {
			t.Fatalf("NewCarveout: %v", err)
		}
	}
	f.expAlloc, err = pagestore.NewSystemAllocator(mem, base+(systemPages+carveoutPages)*hostarch.PageSize, exportPages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewSystemAllocator: %v", err)
	}
	f.exp = dmabuf.NewExporter(mem, f.expAlloc)

	f.dev, err = NewDevice(Config{
		DMA:       f.dma,
		Memory:    mem,
		Allocator: alloc,
		Carveout:  f.carveout,
		HasIOMMU:  !opts.noIOMMU,
		Reclaimer: opts.reclaimer,
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return f
}

// addressSpace registers an address space with its own IOMMU domain.
func (f *fixture) addressSpace(t *testing.T, name string, dev *dma.Device) (*AddressSpace, *iommu.Domain) {
	t.Helper()
	if dev == nil {
		dev = f.dma
	}
	mmu := iommu.NewDomain(name, dev.Secure)
	as, err := f.dev.NewAddressSpace(name, dev, mmu, iovaBase, iovaSize)
	if err != nil {
		t.Fatalf("NewAddressSpace(%q): %v", name, err)
	}
	return as, mmu
}

func (f *fixture) create(t *testing.T, size uint64, flags Flags) *Object {
	t.Helper()
	o, err := f.dev.Create(f.ctx, size, flags)
	if err != nil {
		t.Fatalf("Create(%#x, %v): %v", size, flags, err)
	}
	return o
}

func (f *fixture) export(t *testing.T, name string, size uint64) *dmabuf.MemBuffer {
	t.Helper()
	b, err := f.exp.Export(f.ctx, name, size)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	return b
}

func (f *fixture) checkNoLeaks(t *testing.T) {
	t.Helper()
	if n := f.dev.ObjectCount(); n != 0 {
		t.Errorf("%d objects still alive", n)
	}
	if n := f.alloc.AllocatedCount(); n != 0 {
		t.Errorf("%d system pages still allocated", n)
	}
	if n := f.expAlloc.AllocatedCount(); n != 0 {
		t.Errorf("%d exported pages still allocated", n)
	}
	if f.carveout != nil {
		if u := f.carveout.Usage(); u.Used != 0 {
			t.Errorf("%d carveout bytes still reserved", u.Used)
		}
	}
}

// mustPanic runs fn and fails the test unless it panics.
func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}
