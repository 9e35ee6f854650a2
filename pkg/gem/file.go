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
	"sort"
	"sync"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// dumbPitchAlign is the alignment of dumb buffer widths, in pixels.
const dumbPitchAlign = 32

// File is a client's table of handles to buffer objects. Each handle holds a
// reference on its object.
type File struct {
	dev *Device

	mu sync.Mutex
	// handles is protected by mu.
	handles map[uint32]*Object
	// next is the next handle to hand out. It is protected by mu.
	next uint32
}

// NewFile returns an empty handle table for d.
func (d *Device) NewFile() *File {
	return &File{
		dev:     d,
		handles: make(map[uint32]*Object),
		next:    1,
	}
}

// NewHandle returns a new handle to o, taking a reference on o.
func (f *File) NewHandle(o *Object) uint32 {
	o.IncRef()
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.next
	f.next++
	f.handles[h] = o
	return h
}

// Lookup returns a new reference on the object behind handle h. It returns
// ENOENT if h is not a valid handle.
func (f *File) Lookup(h uint32) (*Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.handles[h]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	o.IncRef()
	return o, nil
}

// CloseHandle removes handle h and drops its reference.
func (f *File) CloseHandle(ctx context.Context, h uint32) error {
	f.mu.Lock()
	o, ok := f.handles[h]
	delete(f.handles, h)
	f.mu.Unlock()
	if !ok {
		return linuxerr.ENOENT
	}
	o.DecRef(ctx)
	return nil
}

// Handles returns the open handles in ascending order.
func (f *File) Handles() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := make([]uint32, 0, len(f.handles))
	for h := range f.handles {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Release closes every handle.
func (f *File) Release(ctx context.Context) {
	f.mu.Lock()
	handles := f.handles
	f.handles = make(map[uint32]*Object)
	f.mu.Unlock()
	for _, o := range handles {
		o.DecRef(ctx)
	}
}

// DumbBuffer describes a buffer created by CreateDumb.
type DumbBuffer struct {
	Handle uint32
	Pitch  uint32
	Size   uint64
}

// CreateDumb creates a scanout buffer for a width x height image with bpp
// bits per pixel and returns a handle to it.
func (f *File) CreateDumb(ctx context.Context, width, height, bpp uint32) (DumbBuffer, error) {
	if width == 0 || height == 0 || bpp == 0 {
		return DumbBuffer{}, linuxerr.EINVAL
	}
	cpp := (uint64(bpp) + 7) / 8
	aligned := (uint64(width) + dumbPitchAlign - 1) &^ (dumbPitchAlign - 1)
	pitch := cpp * aligned
	if pitch > 1<<32-1 {
		return DumbBuffer{}, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(pitch * uint64(height))
	if !ok {
		return DumbBuffer{}, linuxerr.EINVAL
	}
	o, err := f.dev.Create(ctx, size, FlagScanout|FlagWC)
	if err != nil {
		return DumbBuffer{}, err
	}
	defer o.DecRef(ctx)
	return DumbBuffer{
		Handle: f.NewHandle(o),
		Pitch:  uint32(pitch),
		Size:   size,
	}, nil
}
