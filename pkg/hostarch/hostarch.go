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

// Package hostarch describes the page geometry and memory types shared by the
// buffer, page store and address space packages.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the page size in bytes.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the huge page size.
	HugePageShift = 21

	// HugePageSize is the huge page size in bytes.
	HugePageSize = 1 << HugePageShift
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageSize - 1)
	ok = addr >= x
	return
}

// IsPageAligned returns true if x is a multiple of PageSize.
func IsPageAligned(x uint64) bool {
	return x&(PageSize-1) == 0
}

// PagesFor returns the number of pages needed to hold length bytes.
func PagesFor(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory. It must be the zero
	// value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is non-cacheable memory whose writes may be
	// buffered and combined.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is strongly ordered, non-cacheable memory.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// CPUCoherent returns true if CPU accesses through a mapping of this type are
// coherent with device accesses without explicit cache maintenance.
func (mt MemoryType) CPUCoherent() bool {
	return mt == MemoryTypeWriteBack
}
