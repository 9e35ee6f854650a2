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

// Package rangealloc provides a linear range allocator. It hands out
// non-overlapping [Start, Start+Size) ranges of a fixed span using first-fit
// search, and is used both for carveout memory and for device virtual address
// space.
package rangealloc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

// Node is a reservation returned by Allocator.Reserve.
type Node struct {
	// Start is the first address of the reservation.
	Start uint64

	// Size is the length of the reservation in bytes.
	Size uint64
}

// End returns the first address after the reservation.
func (n *Node) End() uint64 {
	return n.Start + n.Size
}

// String implements fmt.Stringer.String.
func (n *Node) String() string {
	return fmt.Sprintf("[%#x, %#x)", n.Start, n.End())
}

func nodeLess(a, b *Node) bool {
	return a.Start < b.Start
}

// Allocator is a first-fit allocator over [start, start+size).
//
// Allocator is safe for concurrent use. Its lock is a leaf lock: no other
// lock is acquired while it is held.
type Allocator struct {
	start uint64
	size  uint64

	mu sync.Mutex
	// nodes holds all outstanding reservations ordered by Start. It is
	// protected by mu.
	nodes *btree.BTreeG[*Node]
	// used is the total size of all reservations. It is protected by mu.
	used uint64
}

// New returns an Allocator over [start, start+size).
func New(start, size uint64) *Allocator {
	if start+size < start {
		panic(fmt.Sprintf("range [%#x, +%#x) overflows", start, size))
	}
	return &Allocator{
		start: start,
		size:  size,
		nodes: btree.NewG(8, nodeLess),
	}
}

func alignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// Reserve reserves size bytes aligned to align, which must be a power of two
// (0 means 1). It returns ENOMEM if no free range is large enough.
func (a *Allocator) Reserve(size, align uint64) (*Node, error) {
	if size == 0 {
		return nil, linuxerr.EINVAL
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, linuxerr.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.start + a.size
	candidate := alignUp(a.start, align)
	var found bool
	a.nodes.Ascend(func(n *Node) bool {
		if candidate+size >= candidate && candidate+size <= n.Start {
			found = true
			return false
		}
		if next := alignUp(n.End(), align); next > candidate {
			candidate = next
		}
		return true
	})
	if !found {
		if candidate+size < candidate || candidate+size > end {
			return nil, linuxerr.ENOMEM
		}
	}
	n := &Node{Start: candidate, Size: size}
	a.nodes.ReplaceOrInsert(n)
	a.used += size
	return n, nil
}

// Release returns n to the allocator. It panics if n is not outstanding.
func (a *Allocator) Release(n *Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	got, ok := a.nodes.Get(n)
	if !ok || got != n {
		panic(fmt.Sprintf("releasing range %v that is not reserved", n))
	}
	a.nodes.Delete(n)
	a.used -= n.Size
}

// Usage describes the allocator's occupancy.
type Usage struct {
	// Size is the span managed by the allocator.
	Size uint64
	// Used is the sum of outstanding reservations.
	Used uint64
	// Nodes is the number of outstanding reservations.
	Nodes int
	// LargestFree is the largest unaligned free range.
	LargestFree uint64
}

// Usage returns the allocator's current occupancy.
func (a *Allocator) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := Usage{Size: a.size, Used: a.used, Nodes: a.nodes.Len()}
	prev := a.start
	a.nodes.Ascend(func(n *Node) bool {
		if gap := n.Start - prev; gap > u.LargestFree {
			u.LargestFree = gap
		}
		prev = n.End()
		return true
	})
	if gap := a.start + a.size - prev; gap > u.LargestFree {
		u.LargestFree = gap
	}
	return u
}

// Contains returns true if [start, start+size) lies in the allocator's span.
func (a *Allocator) Contains(start, size uint64) bool {
	return start >= a.start && start+size >= start && start+size <= a.start+a.size
}
