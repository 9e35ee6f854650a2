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

package gem

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
)

func TestCreateDumb(t *testing.T) {
	for _, tc := range []struct {
		width, height, bpp uint32
		want               DumbBuffer
	}{
		{width: 100, height: 10, bpp: 32, want: DumbBuffer{Handle: 1, Pitch: 512, Size: 2 * hostarch.PageSize}},
		{width: 64, height: 64, bpp: 16, want: DumbBuffer{Handle: 1, Pitch: 128, Size: 2 * hostarch.PageSize}},
		{width: 1, height: 1, bpp: 24, want: DumbBuffer{Handle: 1, Pitch: 96, Size: hostarch.PageSize}},
	} {
		f := newFixture(t, fixtureOpts{})
		file := f.dev.NewFile()
		got, err := file.CreateDumb(f.ctx, tc.width, tc.height, tc.bpp)
		if err != nil {
			t.Fatalf("CreateDumb(%d, %d, %d): %v", tc.width, tc.height, tc.bpp, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("CreateDumb(%d, %d, %d) mismatch (-want +got):\n%s", tc.width, tc.height, tc.bpp, diff)
		}
		o, err := file.Lookup(got.Handle)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if flags := o.Flags(); flags&(FlagScanout|FlagWC) != FlagScanout|FlagWC {
			t.Errorf("dumb buffer flags = %v, want scanout|wc", flags)
		}
		if !o.carveout {
			t.Errorf("scanout buffer not in carveout")
		}
		o.DecRef(f.ctx)
		file.Release(f.ctx)
		f.checkNoLeaks(t)
	}
}

func TestCreateDumbInvalid(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	file := f.dev.NewFile()
	if _, err := file.CreateDumb(f.ctx, 0, 10, 32); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CreateDumb with zero width got err %v, want EINVAL", err)
	}
	if _, err := file.CreateDumb(f.ctx, 1, 1, math.MaxUint32); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("CreateDumb with a 4G-bit pixel got err %v, want EINVAL", err)
	}
	if _, err := file.CreateDumb(f.ctx, 4096, 4096, 32); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("CreateDumb larger than carveout got err %v, want ENOMEM", err)
	}
	if len(file.Handles()) != 0 {
		t.Errorf("handles left after failed CreateDumb: %v", file.Handles())
	}
}

func TestHandles(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	file := f.dev.NewFile()
	o := f.create(t, hostarch.PageSize, FlagCached)
	h1 := file.NewHandle(o)
	h2 := file.NewHandle(o)
	o.DecRef(f.ctx)

	if diff := cmp.Diff([]uint32{h1, h2}, file.Handles()); diff != "" {
		t.Errorf("Handles() mismatch (-want +got):\n%s", diff)
	}
	if err := file.CloseHandle(f.ctx, h1); err != nil {
		t.Fatalf("CloseHandle: %v", err)
	}
	if err := file.CloseHandle(f.ctx, h1); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("second CloseHandle got err %v, want ENOENT", err)
	}
	if _, err := file.Lookup(h1); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Lookup of closed handle got err %v, want ENOENT", err)
	}
	got, err := file.Lookup(h2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != o {
		t.Errorf("Lookup returned %v, want %v", got, o)
	}
	got.DecRef(f.ctx)

	if err := file.CloseHandle(f.ctx, h2); err != nil {
		t.Fatalf("CloseHandle: %v", err)
	}
	f.checkNoLeaks(t)
}

func TestFault(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	o := f.create(t, 2*hostarch.PageSize, FlagCached)
	defer o.DecRef(f.ctx)

	pa, err := o.Fault(f.ctx, hostarch.PageSize+5)
	if err != nil {
		t.Fatalf("Fault: %v", err)
	}
	pages, err := o.AcquirePages(f.ctx)
	if err != nil {
		t.Fatalf("AcquirePages: %v", err)
	}
	if want := pages[1] + 5; pa != want {
		t.Errorf("Fault = %v, want %v", pa, want)
	}

	var busErr *BusError
	if _, err := o.Fault(f.ctx, 2*hostarch.PageSize); !errors.As(err, &busErr) {
		t.Errorf("Fault past the end got err %v, want BusError", err)
	}
	if _, err := o.SetMadvise(DontNeed); err != nil {
		t.Fatalf("SetMadvise: %v", err)
	}
	if _, err := o.Fault(f.ctx, 0); !errors.As(err, &busErr) || busErr.Madv != DontNeed {
		t.Errorf("Fault of don't-need object got err %v, want BusError", err)
	}
}
