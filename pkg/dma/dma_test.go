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

package dma

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewSGTableCoalesces(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pages []PhysAddr
		want  []Segment
	}{
		{
			name:  "contiguous",
			pages: []PhysAddr{0x1000, 0x2000, 0x3000},
			want:  []Segment{{Addr: 0x1000, Length: 0x3000}},
		},
		{
			name:  "scattered",
			pages: []PhysAddr{0x5000, 0x1000, 0x2000},
			want:  []Segment{{Addr: 0x5000, Length: 0x1000}, {Addr: 0x1000, Length: 0x2000}},
		},
		{
			name:  "descending",
			pages: []PhysAddr{0x3000, 0x2000},
			want:  []Segment{{Addr: 0x3000, Length: 0x1000}, {Addr: 0x2000, Length: 0x1000}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sgt := NewSGTable(tc.pages)
			if diff := cmp.Diff(tc.want, sgt.Segments()); diff != "" {
				t.Errorf("segments mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.pages, sgt.Pages()); diff != "" {
				t.Errorf("Pages() mismatch (-want +got):\n%s", diff)
			}
			if got, want := sgt.Contiguous(), len(tc.want) == 1; got != want {
				t.Errorf("Contiguous() = %t, want %t", got, want)
			}
		})
	}
}

func TestContiguousSGTable(t *testing.T) {
	sgt := NewContiguousSGTable(0x10000, 0x4000)
	if sgt.Size() != 0x4000 {
		t.Errorf("Size() = %#x, want 0x4000", sgt.Size())
	}
	if got := len(sgt.Pages()); got != 4 {
		t.Errorf("len(Pages()) = %d, want 4", got)
	}
}

func TestDeviceMapFailure(t *testing.T) {
	d := NewDevice("mdp", false, false)
	sgt := NewContiguousSGTable(0x1000, 0x1000)
	injected := errors.New("injected")
	d.FailNextMap(injected)
	if err := d.MapSG(sgt, ToDevice); err != injected {
		t.Fatalf("MapSG() = %v, want %v", err, injected)
	}
	if err := d.MapSG(sgt, ToDevice); err != nil {
		t.Fatalf("MapSG() after injected failure = %v", err)
	}
	d.UnmapSG(sgt, ToDevice)
	if diff := cmp.Diff(Stats{Maps: 1, Unmaps: 1, Syncs: 1}, d.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}
