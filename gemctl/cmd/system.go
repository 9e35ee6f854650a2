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

package cmd

import (
	"fmt"
	"time"

	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/cleanup"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/dma"
	"gvisor.dev/drmgem/pkg/dmabuf"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hwio"
	"gvisor.dev/drmgem/pkg/iommu"
	"gvisor.dev/drmgem/pkg/memfile"
	"gvisor.dev/drmgem/pkg/pagestore"
)

// displayName names the display device and its address space.
const displayName = "mdp"

// reclaimLogEvery bounds how often the deferred reclaimer logs.
const reclaimLogEvery = time.Second

// System is a display device with its memory pools, its address space and
// one scanout plane, built from a Config.
type System struct {
	Mem         *memfile.File
	Alloc       *pagestore.SystemAllocator
	ExportAlloc *pagestore.SystemAllocator
	// Carveout is nil if the configuration has none.
	Carveout *pagestore.Carveout
	Exporter *dmabuf.Exporter

	DMA    *dma.Device
	Device *gem.Device
	// MMU is nil if the display addresses memory physically.
	MMU     *iommu.Domain
	Display *gem.AddressSpace

	// Deferred is the reclaimer if the configuration selects deferred
	// reclamation, nil otherwise.
	Deferred *gem.DeferredReclaimer

	Regs  *hwio.RegisterFile
	Plane *hwio.Plane
}

// NewSystem builds a System. The memory file is laid out as the system pool,
// then the carveout, then the exporter's pool.
func NewSystem(ctx context.Context, conf *config.Config) (*System, error) {
	mem, err := memfile.New("gemctl", memfile.DefaultBase, conf.TotalMemory())
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	s := &System{Mem: mem}
	pa := mem.Base()
	if s.Alloc, err = pagestore.NewSystemAllocator(mem, pa, conf.MemorySize); err != nil {
		return nil, fmt.Errorf("system pool: %w", err)
	}
	pa += dma.PhysAddr(conf.MemorySize)
	if conf.CarveoutSize != 0 {
		if s.Carveout, err = pagestore.NewCarveout(mem, pa, conf.CarveoutSize); err != nil {
			return nil, fmt.Errorf("carveout: %w", err)
		}
		pa += dma.PhysAddr(conf.CarveoutSize)
	}
	if s.ExportAlloc, err = pagestore.NewSystemAllocator(mem, pa, conf.ExporterSize); err != nil {
		return nil, fmt.Errorf("exporter pool: %w", err)
	}
	s.Exporter = dmabuf.NewExporter(mem, s.ExportAlloc)

	var reclaimer gem.Reclaimer = gem.EagerReclaimer{}
	if conf.Reclaim == config.ReclaimDeferred {
		s.Deferred = gem.NewDeferredReclaimer(reclaimLogEvery)
		reclaimer = s.Deferred
	}
	s.DMA = dma.NewDevice(displayName, conf.Secure, conf.Coherent)
	s.Device, err = gem.NewDevice(gem.Config{
		DMA:       s.DMA,
		Memory:    mem,
		Allocator: s.Alloc,
		Carveout:  s.Carveout,
		HasIOMMU:  conf.IOMMU,
		Reclaimer: reclaimer,
	})
	if err != nil {
		return nil, err
	}
	if conf.IOMMU {
		s.MMU = iommu.NewDomain(displayName, conf.Secure)
	}
	if s.Display, err = s.Device.NewAddressSpace(displayName, s.DMA, s.MMU, conf.IOVABase, conf.IOVASize); err != nil {
		return nil, fmt.Errorf("display address space: %w", err)
	}

	s.Regs = hwio.NewRegisterFile()
	s.Plane = hwio.NewPlane(s.Regs, hwio.PlaneConfig{
		QoS: hwio.QoS{Priority: 4, Danger: 0x100, Safe: 0x200},
	})
	s.Display.RegisterClient(s.Plane)

	if s.Deferred != nil {
		s.Deferred.Start(ctx, conf.ReclaimInterval)
	}
	cu.Release()
	ctx.Infof("Display %s: %d MiB system, %d MiB carveout, iommu=%t secure=%t coherent=%t reclaim=%v",
		displayName, conf.MemorySize>>20, conf.CarveoutSize>>20, conf.IOMMU, conf.Secure, conf.Coherent, conf.Reclaim)
	return s, nil
}

// Close turns the plane off, flushes deferred reclamation and releases the
// memory file. It reports objects that are still alive.
func (s *System) Close(ctx context.Context) error {
	if err := s.Plane.Disable(ctx); err != nil {
		ctx.Warningf("Disabling plane: %v", err)
	}
	if s.Deferred != nil {
		s.Deferred.Stop()
		if _, err := s.Deferred.Drain(ctx); err != nil {
			ctx.Warningf("Draining reclaimer: %v", err)
		}
	}
	n := s.Device.ObjectCount()
	if err := s.Mem.Close(); err != nil {
		return err
	}
	if n != 0 {
		return fmt.Errorf("%d buffer objects still alive", n)
	}
	return nil
}
