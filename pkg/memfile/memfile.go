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

// Package memfile provides the physical memory that buffer pages are carved
// from. Physical memory is a memfd; a physical address is Base plus a file
// offset. The whole file is mapped once for internal access, and arbitrary
// page lists can be mapped into one contiguous virtual range with Vmap.
package memfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/log"
)

// DefaultBase is the physical address of file offset 0 when no base is
// given.
const DefaultBase dma.PhysAddr = 0x80000000

// File is a memfd-backed physical memory region.
type File struct {
	file *os.File
	base dma.PhysAddr
	size uint64

	// internal is a shared read/write mapping of the whole file.
	internal []byte
}

// New creates a memory file of size bytes whose first byte has physical
// address base. size is rounded up to the page size.
func New(name string, base dma.PhysAddr, size uint64) (*File, error) {
	if size == 0 || !hostarch.IsPageAligned(uint64(base)) {
		return nil, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, linuxerr.EINVAL
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating memory file to %d bytes: %w", size, err)
	}
	internal, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping memory file: %w", err)
	}
	log.Debugf("Memory file %q: %#x bytes at %v", name, size, base)
	return &File{
		file:     f,
		base:     base,
		size:     size,
		internal: internal,
	}, nil
}

// Close unmaps and closes the file. Outstanding Vmap mappings remain valid
// until unmapped.
func (f *File) Close() error {
	if err := unix.Munmap(f.internal); err != nil {
		return err
	}
	f.internal = nil
	return f.file.Close()
}

// Base returns the physical address of the first byte of the file.
func (f *File) Base() dma.PhysAddr {
	return f.base
}

// Size returns the size of the file in bytes.
func (f *File) Size() uint64 {
	return f.size
}

// Contains returns true if [pa, pa+length) is backed by f.
func (f *File) Contains(pa dma.PhysAddr, length uint64) bool {
	if pa < f.base {
		return false
	}
	off := uint64(pa - f.base)
	end := off + length
	return end >= off && end <= f.size
}

func (f *File) offset(pa dma.PhysAddr, length uint64) (uint64, error) {
	if !f.Contains(pa, length) {
		return 0, linuxerr.EFAULT
	}
	return uint64(pa - f.base), nil
}

// Slice returns the internal mapping of [pa, pa+length).
func (f *File) Slice(pa dma.PhysAddr, length uint64) ([]byte, error) {
	off, err := f.offset(pa, length)
	if err != nil {
		return nil, err
	}
	return f.internal[off : off+length : off+length], nil
}

// Decommit releases the memory backing [pa, pa+length). Subsequent reads
// return zeroes.
func (f *File) Decommit(pa dma.PhysAddr, length uint64) error {
	off, err := f.offset(pa, length)
	if err != nil {
		return err
	}
	// "After a successful call, subsequent reads from this range will
	// return zeroes. The FALLOC_FL_PUNCH_HOLE flag must be ORed with
	// FALLOC_FL_KEEP_SIZE in mode ..." - fallocate(2)
	return unix.Fallocate(int(f.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(off), int64(length))
}

// Mapping is a virtually contiguous mapping of a list of pages, returned by
// Vmap.
type Mapping struct {
	addr   uintptr
	length uintptr
}

// Addr returns the start address of the mapping.
func (m *Mapping) Addr() uintptr {
	return m.addr
}

// Len returns the length of the mapping in bytes.
func (m *Mapping) Len() uint64 {
	return uint64(m.length)
}

// Vmap maps pages, in order, into one contiguous virtual range. Physically
// adjacent pages are mapped with a single mmap call.
func (f *File) Vmap(pages []dma.PhysAddr) (*Mapping, error) {
	if len(pages) == 0 {
		return nil, linuxerr.EINVAL
	}
	sgt := dma.NewSGTable(pages)
	for _, seg := range sgt.Segments() {
		if _, err := f.offset(seg.Addr, seg.Length); err != nil {
			return nil, err
		}
	}
	length := uintptr(len(pages)) << hostarch.PageShift
	addr, err := reserve(length)
	if err != nil {
		return nil, err
	}
	m := &Mapping{addr: addr, length: length}
	at := addr
	for _, seg := range sgt.Segments() {
		if err := f.mapFixed(at, seg); err != nil {
			m.Unmap()
			return nil, err
		}
		at += uintptr(seg.Length)
	}
	return m, nil
}

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	return fmt.Sprintf("[%#x, %#x)", m.addr, m.addr+m.length)
}
