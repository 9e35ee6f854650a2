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
	stdcontext "context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/drmgem/gemctl/cmd/util"
	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/cleanup"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	pages      int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "exercise buffer creation, mapping and reclamation concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent workers that create, map, pin, vmap and drop buffers.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "buffers created by each worker.")
	f.IntVar(&s.pages, "pages", 4, "size of each buffer in pages.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers < 1 || s.iterations < 1 || s.pages < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	sys, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	start := time.Now()
	if err := runStress(ctx, sys, s.workers, s.iterations, uint64(s.pages)*hostarch.PageSize); err != nil {
		util.Fatalf("stress: %v", err)
	}
	util.Infof("%d workers x %d buffers in %v", s.workers, s.iterations, time.Since(start))
	if err := sys.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// runStress races workers over one shared buffer and their own short-lived
// buffers. Every worker must observe the same device address for the shared
// buffer.
func runStress(ctx context.Context, sys *System, workers, iterations int, size uint64) error {
	shared, err := sys.Device.Create(ctx, size, gem.FlagWC)
	if err != nil {
		return err
	}
	defer shared.DecRef(ctx)
	shared.SetName("shared")
	// Hold the mapping for the whole run so its address cannot move between
	// workers.
	want, err := shared.GetDeviceAddress(ctx, sys.Display)
	if err != nil {
		return err
	}
	defer shared.DropMapping(ctx, sys.Display)

	iovas := make([]uint64, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ctx := context.FromStd(gctx)
			iova, err := shared.GetOrCreateMapping(ctx, sys.Display)
			if err != nil {
				return fmt.Errorf("worker %d: pinning shared buffer: %w", w, err)
			}
			iovas[w] = iova
			defer shared.PutMapping(ctx, sys.Display)

			for i := 0; i < iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := stressOne(ctx, sys, size, i); err != nil {
					return fmt.Errorf("worker %d, buffer %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for w, iova := range iovas {
		if iova != want {
			return fmt.Errorf("worker %d saw shared buffer at %#x, want %#x", w, iova, want)
		}
	}
	return nil
}

// stressOne runs one buffer through its whole life.
func stressOne(ctx context.Context, sys *System, size uint64, i int) error {
	o, err := sys.Device.Create(ctx, size, gem.FlagWC)
	if err != nil {
		return err
	}
	defer o.DecRef(ctx)

	if _, err := o.GetOrCreateMapping(ctx, sys.Display); err != nil {
		return err
	}
	cu := cleanup.Make(func() { o.PutMapping(ctx, sys.Display) })
	defer cu.Clean()
	if _, err := o.AcquireKernelMapping(ctx, gem.WillNeed); err != nil {
		return err
	}
	cu.Add(func() { o.ReleaseKernelMapping(ctx) })
	if err := o.CPUPrep(ctx, gem.PrepWrite, time.Second); err != nil {
		return err
	}
	if err := o.CPUFini(); err != nil {
		return err
	}
	cu.Clean()

	// Every other buffer is handed back for purging before it is dropped.
	if i%2 == 1 {
		if _, err := o.SetMadvise(gem.DontNeed); err != nil {
			return err
		}
		if _, err := o.Purge(ctx); err != nil && !isBusy(err) {
			return err
		}
	}
	return nil
}
