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

// Package iommu implements IOMMU domains: page tables that translate device
// virtual addresses (IOVAs) to physical addresses.
package iommu

import (
	"fmt"
	"sync"

	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Prot is the access permitted through a mapping.
type Prot struct {
	Read  bool
	Write bool
}

// ReadWrite is the default protection for buffer mappings.
var ReadWrite = Prot{Read: true, Write: true}

// ReadOnly is the protection for GPU read-only buffers.
var ReadOnly = Prot{Read: true}

// String implements fmt.Stringer.String.
func (p Prot) String() string {
	b := []byte("--")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	return string(b)
}

type pte struct {
	pa   dma.PhysAddr
	prot Prot
}

// Domain is one IOMMU page table.
//
// Domain is safe for concurrent use. Its lock is a leaf lock.
type Domain struct {
	name   string
	secure bool

	mu sync.Mutex
	// ptes maps IOVA page numbers to entries. It is protected by mu.
	ptes map[uint64]pte
	// tlbFlushes counts page table invalidations. It is protected by mu.
	tlbFlushes uint64
	// mapErr, if set, fails the next Map. It is protected by mu.
	mapErr error
}

// NewDomain returns an empty domain.
func NewDomain(name string, secure bool) *Domain {
	return &Domain{
		name:   name,
		secure: secure,
		ptes:   make(map[uint64]pte),
	}
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// Secure returns true for secure (content protected) domains.
func (d *Domain) Secure() bool {
	return d.secure
}

// FailNextMap causes the next Map call to fail with err.
func (d *Domain) FailNextMap(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapErr = err
}

// Map maps the pages of sgt at consecutive IOVAs starting at iova. It returns
// EEXIST if any page is already mapped, in which case nothing is mapped.
func (d *Domain) Map(iova uint64, sgt *dma.SGTable, prot Prot) error {
	if !hostarch.IsPageAligned(iova) {
		return linuxerr.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.mapErr; err != nil {
		d.mapErr = nil
		return err
	}

	pages := sgt.Pages()
	first := iova >> hostarch.PageShift
	for i := range pages {
		if _, ok := d.ptes[first+uint64(i)]; ok {
			return linuxerr.EEXIST
		}
	}
	for i, pa := range pages {
		d.ptes[first+uint64(i)] = pte{pa: pa, prot: prot}
	}
	return nil
}

// Unmap removes the mappings in [iova, iova+length) and returns the number of
// bytes that were mapped.
func (d *Domain) Unmap(iova, length uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var unmapped uint64
	first := iova >> hostarch.PageShift
	for i := uint64(0); i < hostarch.PagesFor(length); i++ {
		if _, ok := d.ptes[first+i]; ok {
			delete(d.ptes, first+i)
			unmapped += hostarch.PageSize
		}
	}
	d.tlbFlushes++
	return unmapped
}

// Translate returns the physical address that iova maps to.
func (d *Domain) Translate(iova uint64) (dma.PhysAddr, Prot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.ptes[iova>>hostarch.PageShift]
	if !ok {
		return 0, Prot{}, false
	}
	return e.pa + dma.PhysAddr(iova&(hostarch.PageSize-1)), e.prot, true
}

// MappedPages returns the number of mapped pages.
func (d *Domain) MappedPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ptes)
}

// String implements fmt.Stringer.String.
func (d *Domain) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%s(secure=%t, pages=%d, flushes=%d)", d.name, d.secure, len(d.ptes), d.tlbFlushes)
}
