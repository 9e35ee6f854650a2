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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/memfile"
)

const testPages = 16

func newTestFile(t *testing.T) *memfile.File {
	t.Helper()
	f, err := memfile.New("pagestore-test", memfile.DefaultBase, testPages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("memfile.New: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestSystemPagesAllocateAndRelease(t *testing.T) {
	f := newTestFile(t)
	a, err := NewSystemAllocator(f, f.Base(), testPages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewSystemAllocator: %v", err)
	}
	s, err := AllocateSystemPages(a, 3, "bo-1")
	if err != nil {
		t.Fatalf("AllocateSystemPages: %v", err)
	}
	if got := len(s.Pages()); got != 3 {
		t.Fatalf("len(Pages()) = %d, want 3", got)
	}
	if s.SGTable().Size() != 3*hostarch.PageSize {
		t.Errorf("SGTable().Size() = %#x", s.SGTable().Size())
	}
	for _, pa := range s.Pages() {
		if owner, ok := a.Owner(pa); !ok || owner != "bo-1" {
			t.Errorf("Owner(%v) = %q, %t; want bo-1, true", pa, owner, ok)
		}
	}

	b, _ := f.Slice(s.Pages()[0], hostarch.PageSize)
	b[0] = 0xff
	first := s.Pages()[0]
	s.Release()
	if a.FreeCount() != testPages || a.AllocatedCount() != 0 {
		t.Errorf("after Release: free %d allocated %d", a.FreeCount(), a.AllocatedCount())
	}
	if b, _ := f.Slice(first, hostarch.PageSize); b[0] != 0 {
		t.Errorf("released page not zeroed")
	}
}

func TestSystemPagesRollback(t *testing.T) {
	f := newTestFile(t)
	a, err := NewSystemAllocator(f, f.Base(), testPages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewSystemAllocator: %v", err)
	}
	held, err := AllocateSystemPages(a, testPages-2, "held")
	if err != nil {
		t.Fatalf("AllocateSystemPages: %v", err)
	}
	if _, err := AllocateSystemPages(a, 3, "too-big"); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("AllocateSystemPages beyond capacity = %v, want ENOMEM", err)
	}
	if got := a.FreeCount(); got != 2 {
		t.Errorf("FreeCount() after failed allocation = %d, want 2", got)
	}
	held.Release()
}

func TestCarveoutPagesContiguous(t *testing.T) {
	f := newTestFile(t)
	c, err := NewCarveout(f, f.Base(), 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewCarveout: %v", err)
	}
	s, err := AllocateCarveoutPages(c, 3)
	if err != nil {
		t.Fatalf("AllocateCarveoutPages: %v", err)
	}
	want := []dma.PhysAddr{f.Base(), f.Base() + hostarch.PageSize, f.Base() + 2*hostarch.PageSize}
	if diff := cmp.Diff(want, s.Pages()); diff != "" {
		t.Errorf("Pages() mismatch (-want +got):\n%s", diff)
	}
	if !s.Contiguous() || !s.SGTable().Contiguous() {
		t.Errorf("carveout SG table is not contiguous")
	}
	if _, err := AllocateCarveoutPages(c, 2); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocateCarveoutPages on exhausted carveout = %v, want ENOMEM", err)
	}
	s.Release()
	if u := c.Usage(); u.Used != 0 || u.Nodes != 0 {
		t.Errorf("Usage() after Release = %+v", u)
	}
}

func TestStoreKinds(t *testing.T) {
	f := newTestFile(t)
	a, _ := NewSystemAllocator(f, f.Base()+8*hostarch.PageSize, 8*hostarch.PageSize)
	c, _ := NewCarveout(f, f.Base(), 8*hostarch.PageSize)

	sys, err := AllocateSystemPages(a, 1, "x")
	if err != nil {
		t.Fatalf("AllocateSystemPages: %v", err)
	}
	co, err := AllocateCarveoutPages(c, 1)
	if err != nil {
		t.Fatalf("AllocateCarveoutPages: %v", err)
	}
	stores := []Store{sys, co}
	var got []string
	for _, s := range stores {
		got = append(got, String(s))
		s.Release()
	}
	if diff := cmp.Diff([]string{"system:1 pages", "carveout:1 pages"}, got); diff != "" {
		t.Errorf("String() mismatch (-want +got):\n%s", diff)
	}
	if String(nil) != "none" {
		t.Errorf("String(nil) = %q", String(nil))
	}
}
