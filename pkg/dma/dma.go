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

// Package dma describes devices that access memory directly, the physical
// addresses they consume and scatter-gather tables over those addresses.
package dma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/drmgem/pkg/hostarch"
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}

// Direction is the direction of a DMA transfer.
type Direction int

const (
	// Bidirectional transfers may go either way.
	Bidirectional Direction = iota
	// ToDevice transfers are read by the device.
	ToDevice
	// FromDevice transfers are written by the device.
	FromDevice
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Segment is one physically contiguous run of a scatter-gather table.
type Segment struct {
	// Addr is the physical start address.
	Addr PhysAddr

	// Length is the length in bytes. It is always a multiple of the page size.
	Length uint64
}

// End returns the first address after the segment.
func (s Segment) End() PhysAddr {
	return s.Addr + PhysAddr(s.Length)
}

// SGTable describes a buffer's backing memory as a list of segments.
//
// An SGTable is immutable once built.
type SGTable struct {
	segs []Segment
}

// NewSGTable builds a table over the given page addresses, coalescing
// physically adjacent pages into one segment.
func NewSGTable(pages []PhysAddr) *SGTable {
	t := &SGTable{}
	for _, pa := range pages {
		if n := len(t.segs); n > 0 && t.segs[n-1].End() == pa {
			t.segs[n-1].Length += hostarch.PageSize
			continue
		}
		t.segs = append(t.segs, Segment{Addr: pa, Length: hostarch.PageSize})
	}
	return t
}

// NewContiguousSGTable builds a single-segment table of length bytes starting
// at base.
func NewContiguousSGTable(base PhysAddr, length uint64) *SGTable {
	return &SGTable{segs: []Segment{{Addr: base, Length: length}}}
}

// Segments returns the table's segments. The caller must not modify them.
func (t *SGTable) Segments() []Segment {
	return t.segs
}

// Size returns the total length of the table in bytes.
func (t *SGTable) Size() uint64 {
	var n uint64
	for _, s := range t.segs {
		n += s.Length
	}
	return n
}

// Contiguous returns true if the table has exactly one segment.
func (t *SGTable) Contiguous() bool {
	return len(t.segs) == 1
}

// Pages expands the table into one address per page.
func (t *SGTable) Pages() []PhysAddr {
	pages := make([]PhysAddr, 0, t.Size()>>hostarch.PageShift)
	for _, s := range t.segs {
		for off := uint64(0); off < s.Length; off += hostarch.PageSize {
			pages = append(pages, s.Addr+PhysAddr(off))
		}
	}
	return pages
}

// Device is a bus master. Devices on a secure domain may only access memory
// through secure address spaces.
type Device struct {
	// Name identifies the device in logs.
	Name string

	// Secure is true if the device sits in a secure (content protected)
	// domain.
	Secure bool

	// Coherent is true if device accesses snoop CPU caches, so that no
	// explicit cache maintenance is needed around CPU access.
	Coherent bool

	maps   atomic.Int64
	unmaps atomic.Int64
	syncs  atomic.Int64

	// mu protects mapErr.
	mu     sync.Mutex
	mapErr error
}

// NewDevice returns a new Device.
func NewDevice(name string, secure, coherent bool) *Device {
	return &Device{Name: name, Secure: secure, Coherent: coherent}
}

// String implements fmt.Stringer.String.
func (d *Device) String() string {
	return d.Name
}

// FailNextMap causes the next MapSG call to fail with err.
func (d *Device) FailNextMap(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapErr = err
}

// MapSG makes the memory described by t visible to the device. For
// non-coherent devices this flushes CPU caches over t.
func (d *Device) MapSG(t *SGTable, dir Direction) error {
	d.mu.Lock()
	err := d.mapErr
	d.mapErr = nil
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.maps.Add(1)
	if !d.Coherent {
		d.syncs.Add(1)
	}
	return nil
}

// UnmapSG reverses MapSG.
func (d *Device) UnmapSG(t *SGTable, dir Direction) {
	d.unmaps.Add(1)
}

// SyncForCPU hands ownership of t back to the CPU.
func (d *Device) SyncForCPU(t *SGTable, dir Direction) {
	if !d.Coherent {
		d.syncs.Add(1)
	}
}

// SyncForDevice hands ownership of t to the device.
func (d *Device) SyncForDevice(t *SGTable, dir Direction) {
	if !d.Coherent {
		d.syncs.Add(1)
	}
}

// Stats is a snapshot of a device's DMA operation counters.
type Stats struct {
	Maps   int64
	Unmaps int64
	Syncs  int64
}

// Stats returns the device's operation counters.
func (d *Device) Stats() Stats {
	return Stats{
		Maps:   d.maps.Load(),
		Unmaps: d.unmaps.Load(),
		Syncs:  d.syncs.Load(),
	}
}
