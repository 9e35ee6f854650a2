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

package rangealloc

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

func mustReserve(t *testing.T, a *Allocator, size, align uint64) *Node {
	t.Helper()
	n, err := a.Reserve(size, align)
	if err != nil {
		t.Fatalf("Reserve(%#x, %#x): %v", size, align, err)
	}
	return n
}

func TestFirstFit(t *testing.T) {
	a := New(0x10000, 0x10000)
	n1 := mustReserve(t, a, 0x4000, 0x1000)
	n2 := mustReserve(t, a, 0x4000, 0x1000)
	n3 := mustReserve(t, a, 0x4000, 0x1000)
	if n1.Start != 0x10000 || n2.Start != 0x14000 || n3.Start != 0x18000 {
		t.Fatalf("got starts %v %v %v", n1, n2, n3)
	}

	// Freeing the middle node leaves a hole that the next fitting request
	// fills.
	a.Release(n2)
	n4 := mustReserve(t, a, 0x2000, 0x1000)
	if n4.Start != 0x14000 {
		t.Errorf("hole not reused: got %v", n4)
	}
	// A request too large for the hole goes after the last node.
	n5 := mustReserve(t, a, 0x3000, 0x1000)
	if n5.Start != 0x1c000 {
		t.Errorf("got %v, want start 0x1c000", n5)
	}
}

func TestAlignment(t *testing.T) {
	a := New(0x1000, 0x100000)
	mustReserve(t, a, 0x1000, 0)
	n := mustReserve(t, a, 0x1000, 0x10000)
	if n.Start%0x10000 != 0 {
		t.Errorf("node %v not aligned to 0x10000", n)
	}
	if _, err := a.Reserve(0x1000, 3); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Reserve with bad alignment = %v, want EINVAL", err)
	}
}

func TestExhaustedAndFragmented(t *testing.T) {
	a := New(0, 0x4000)
	nodes := []*Node{
		mustReserve(t, a, 0x1000, 0),
		mustReserve(t, a, 0x1000, 0),
		mustReserve(t, a, 0x1000, 0),
		mustReserve(t, a, 0x1000, 0),
	}
	if _, err := a.Reserve(0x1000, 0); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Reserve on full allocator = %v, want ENOMEM", err)
	}
	a.Release(nodes[0])
	a.Release(nodes[2])
	// Two free pages, but not adjacent.
	if _, err := a.Reserve(0x2000, 0); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Reserve on fragmented allocator = %v, want ENOMEM", err)
	}
	want := Usage{Size: 0x4000, Used: 0x2000, Nodes: 2, LargestFree: 0x1000}
	if diff := cmp.Diff(want, a.Usage()); diff != "" {
		t.Errorf("Usage() mismatch (-want +got):\n%s", diff)
	}
}

func TestReleaseUnknownPanics(t *testing.T) {
	a := New(0, 0x4000)
	defer func() {
		if recover() == nil {
			t.Errorf("Release of unknown node did not panic")
		}
	}()
	a.Release(&Node{Start: 0, Size: 0x1000})
}

func TestConcurrentReserve(t *testing.T) {
	const n = 64
	a := New(0, n*0x1000)
	var wg sync.WaitGroup
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node, err := a.Reserve(0x1000, 0x1000)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			nodes[i] = node
		}(i)
	}
	wg.Wait()
	seen := make(map[uint64]bool)
	for _, node := range nodes {
		if node == nil {
			continue
		}
		if seen[node.Start] {
			t.Errorf("start %#x handed out twice", node.Start)
		}
		seen[node.Start] = true
	}
	if u := a.Usage(); u.Used != a.size {
		t.Errorf("Used = %#x, want %#x", u.Used, a.size)
	}
}
