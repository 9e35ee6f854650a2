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

// Package pagestore owns the physical pages backing a buffer object.
//
// A Store is exactly one of SystemPages, individually allocated pages from an
// Allocator, or CarveoutPages, a contiguous reservation from a Carveout. The
// choice is made once, when the buffer is created.
package pagestore

import (
	"fmt"

	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/rangealloc"
)

// Store is the backing memory of one buffer.
type Store interface {
	// Pages returns one physical address per page, in buffer order. The
	// caller must not modify the returned slice.
	Pages() []dma.PhysAddr

	// SGTable describes the pages as a scatter-gather table.
	SGTable() *dma.SGTable

	// Kind returns "system" or "carveout".
	Kind() string

	// Contiguous returns true if the pages are physically adjacent.
	Contiguous() bool

	// Release returns the memory to where it came from. The store must not
	// be used afterwards.
	Release()

	isStore()
}

// SystemPages is a Store of individually allocated pages.
type SystemPages struct {
	alloc Allocator
	pages []dma.PhysAddr
	sgt   *dma.SGTable
}

// AllocateSystemPages allocates count pages from a, tagged with owner.
func AllocateSystemPages(a Allocator, count int, owner string) (*SystemPages, error) {
	pages, err := a.AllocatePages(count, owner)
	if err != nil {
		return nil, err
	}
	return &SystemPages{
		alloc: a,
		pages: pages,
		sgt:   dma.NewSGTable(pages),
	}, nil
}

// Pages implements Store.Pages.
func (s *SystemPages) Pages() []dma.PhysAddr { return s.pages }

// SGTable implements Store.SGTable.
func (s *SystemPages) SGTable() *dma.SGTable { return s.sgt }

// Kind implements Store.Kind.
func (*SystemPages) Kind() string { return "system" }

// Contiguous implements Store.Contiguous.
func (s *SystemPages) Contiguous() bool { return s.sgt.Contiguous() }

// Release implements Store.Release.
func (s *SystemPages) Release() {
	if s.pages == nil {
		panic("SystemPages released twice")
	}
	s.alloc.FreePages(s.pages)
	s.pages = nil
	s.sgt = nil
}

func (*SystemPages) isStore() {}

// CarveoutPages is a Store backed by a contiguous carveout reservation.
type CarveoutPages struct {
	carveout *Carveout
	node     *rangealloc.Node
	pages    []dma.PhysAddr
	sgt      *dma.SGTable
}

// AllocateCarveoutPages reserves count contiguous pages from c.
func AllocateCarveoutPages(c *Carveout, count int) (*CarveoutPages, error) {
	node, err := c.Reserve(count)
	if err != nil {
		return nil, err
	}
	base := dma.PhysAddr(node.Start)
	pages := make([]dma.PhysAddr, count)
	for i := range pages {
		pages[i] = base + dma.PhysAddr(uint64(i)<<hostarch.PageShift)
	}
	return &CarveoutPages{
		carveout: c,
		node:     node,
		pages:    pages,
		sgt:      dma.NewContiguousSGTable(base, node.Size),
	}, nil
}

// Pages implements Store.Pages.
func (s *CarveoutPages) Pages() []dma.PhysAddr { return s.pages }

// SGTable implements Store.SGTable.
func (s *CarveoutPages) SGTable() *dma.SGTable { return s.sgt }

// Kind implements Store.Kind.
func (*CarveoutPages) Kind() string { return "carveout" }

// Contiguous implements Store.Contiguous. A carveout reservation is always
// contiguous.
func (*CarveoutPages) Contiguous() bool { return true }

// Base returns the physical address of the first page.
func (s *CarveoutPages) Base() dma.PhysAddr { return dma.PhysAddr(s.node.Start) }

// Release implements Store.Release.
func (s *CarveoutPages) Release() {
	if s.node == nil {
		panic("CarveoutPages released twice")
	}
	s.carveout.Release(s.node)
	s.node = nil
	s.pages = nil
	s.sgt = nil
}

func (*CarveoutPages) isStore() {}

// String renders a store for debug output.
func String(s Store) string {
	if s == nil {
		return "none"
	}
	return fmt.Sprintf("%s:%d pages", s.Kind(), len(s.Pages()))
}
