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

// Package dmabuf defines shared buffers: memory exported by one driver and
// imported by others. An importer attaches its DMA device to the buffer, maps
// the attachment to obtain a scatter-gather table, and may map the buffer
// into the kernel address space.
package dmabuf

import (
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/resv"
)

// MapAttrs modify how an attachment is mapped.
type MapAttrs struct {
	// SkipCPUSync skips cache maintenance when mapping.
	SkipCPUSync bool

	// KeepAttrs asks the exporter to keep the existing mapping attributes of
	// the pages, e.g. their cacheability.
	KeepAttrs bool
}

// Buffer is a shared buffer.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Attach attaches dev to the buffer.
	Attach(ctx context.Context, dev *dma.Device) (Attachment, error)

	// Detach reverses Attach. The attachment must not be mapped.
	Detach(ctx context.Context, a Attachment)

	// Vmap maps the whole buffer into the kernel address space.
	Vmap(ctx context.Context) (uintptr, error)

	// Vunmap reverses Vmap.
	Vunmap(ctx context.Context, addr uintptr)

	// BeginCPUAccess prepares the buffer for CPU access in direction dir.
	BeginCPUAccess(ctx context.Context, dir dma.Direction) error

	// EndCPUAccess ends CPU access started by BeginCPUAccess.
	EndCPUAccess(ctx context.Context, dir dma.Direction) error

	// Resv returns the buffer's reservation object.
	Resv() *resv.Reservation

	// IncRef takes a reference on the buffer.
	IncRef()

	// DecRef drops a reference on the buffer.
	DecRef(ctx context.Context)
}

// Attachment is a device's attachment to a Buffer.
type Attachment interface {
	// Device returns the attached device.
	Device() *dma.Device

	// Map maps the buffer for the attached device and returns its
	// scatter-gather table.
	Map(ctx context.Context, dir dma.Direction, attrs MapAttrs) (*dma.SGTable, error)

	// Unmap reverses Map.
	Unmap(ctx context.Context, sgt *dma.SGTable, dir dma.Direction)
}
