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

package pagestore

import (
	"fmt"
	"sync"

	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/memfile"
	"gvisor.dev/drmgem/pkg/rangealloc"
)

// Allocator is a source of individually allocated physical pages.
type Allocator interface {
	// AllocatePages allocates count pages tagged with owner. On failure no
	// pages remain allocated.
	AllocatePages(count int, owner string) ([]dma.PhysAddr, error)

	// FreePages returns pages obtained from AllocatePages.
	FreePages(pages []dma.PhysAddr)
}

// SystemAllocator allocates single pages from a region of a memory file.
// Freed pages are decommitted, so newly allocated pages read as zero.
type SystemAllocator struct {
	file *memfile.File

	mu sync.Mutex
	// free is a stack of free pages. It is protected by mu.
	free []dma.PhysAddr
	// owners maps allocated pages to the tag they were allocated with. It is
	// protected by mu.
	owners map[dma.PhysAddr]string
}

// NewSystemAllocator returns an allocator over the pages of f in
// [start, start+length).
func NewSystemAllocator(f *memfile.File, start dma.PhysAddr, length uint64) (*SystemAllocator, error) {
	if !hostarch.IsPageAligned(uint64(start)) || !hostarch.IsPageAligned(length) || !f.Contains(start, length) {
		return nil, linuxerr.EINVAL
	}
	n := length >> hostarch.PageShift
	a := &SystemAllocator{
		file:   f,
		free:   make([]dma.PhysAddr, 0, n),
		owners: make(map[dma.PhysAddr]string),
	}
	// Push in descending order so that a fresh allocator hands out
	// ascending addresses.
	for i := n; i > 0; i-- {
		a.free = append(a.free, start+dma.PhysAddr((i-1)<<hostarch.PageShift))
	}
	return a, nil
}

// AllocatePages implements Allocator.AllocatePages.
func (a *SystemAllocator) AllocatePages(count int, owner string) ([]dma.PhysAddr, error) {
	if count <= 0 {
		return nil, linuxerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pages := make([]dma.PhysAddr, 0, count)
	for i := 0; i < count; i++ {
		n := len(a.free)
		if n == 0 {
			// Roll back what we took so far.
			for j := len(pages) - 1; j >= 0; j-- {
				delete(a.owners, pages[j])
				a.free = append(a.free, pages[j])
			}
			return nil, linuxerr.ENOMEM
		}
		pa := a.free[n-1]
		a.free = a.free[:n-1]
		a.owners[pa] = owner
		pages = append(pages, pa)
	}
	return pages, nil
}

// FreePages implements Allocator.FreePages.
func (a *SystemAllocator) FreePages(pages []dma.PhysAddr) {
	for _, pa := range pages {
		if err := a.file.Decommit(pa, hostarch.PageSize); err != nil {
			panic(fmt.Sprintf("decommitting page %v: %v", pa, err))
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, pa := range pages {
		if _, ok := a.owners[pa]; !ok {
			panic(fmt.Sprintf("freeing page %v that is not allocated", pa))
		}
		delete(a.owners, pa)
		a.free = append(a.free, pa)
	}
}

// Owner returns the tag that pa was allocated with.
func (a *SystemAllocator) Owner(pa dma.PhysAddr) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[pa]
	return owner, ok
}

// FreeCount returns the number of free pages.
func (a *SystemAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// AllocatedCount returns the number of allocated pages.
func (a *SystemAllocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Carveout is a physically contiguous pool reserved for buffers that need
// contiguous memory, e.g. when no IOMMU is present.
type Carveout struct {
	file *memfile.File
	ra   *rangealloc.Allocator
}

// NewCarveout returns a carveout over [start, start+length) of f.
func NewCarveout(f *memfile.File, start dma.PhysAddr, length uint64) (*Carveout, error) {
	if !hostarch.IsPageAligned(uint64(start)) || !hostarch.IsPageAligned(length) || !f.Contains(start, length) {
		return nil, linuxerr.EINVAL
	}
	return &Carveout{
		file: f,
		ra:   rangealloc.New(uint64(start), length),
	}, nil
}

// Reserve reserves count contiguous pages. It returns ENOMEM if the carveout
// is exhausted or too fragmented.
func (c *Carveout) Reserve(count int) (*rangealloc.Node, error) {
	if count <= 0 {
		return nil, linuxerr.EINVAL
	}
	return c.ra.Reserve(uint64(count)<<hostarch.PageShift, hostarch.PageSize)
}

// Release zeroes and returns a reservation obtained from Reserve.
func (c *Carveout) Release(n *rangealloc.Node) {
	if err := c.file.Decommit(dma.PhysAddr(n.Start), n.Size); err != nil {
		panic(fmt.Sprintf("decommitting carveout range %v: %v", n, err))
	}
	c.ra.Release(n)
}

// Usage returns the carveout's occupancy.
func (c *Carveout) Usage() rangealloc.Usage {
	return c.ra.Usage()
}
