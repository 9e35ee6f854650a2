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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/drmgem/gemctl/cmd/util"
	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/cleanup"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Reclaim implements subcommands.Command for the "reclaim" command.
type Reclaim struct {
	count  int
	pages  int
	shrink int
}

// Name implements subcommands.Command.Name.
func (*Reclaim) Name() string {
	return "reclaim"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Reclaim) Synopsis() string {
	return "mark buffers don't-need and reclaim their pages"
}

// Usage implements subcommands.Command.Usage.
func (*Reclaim) Usage() string {
	return `reclaim [flags] - create buffers, use and release them, mark them don't-need, then shrink.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Reclaim) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.count, "count", 8, "number of buffers.")
	f.IntVar(&r.pages, "pages", 16, "size of each buffer in pages.")
	f.IntVar(&r.shrink, "shrink", 0, "number of pages to ask the shrinker for. 0 means all.")
}

// Execute implements subcommands.Command.Execute.
func (r *Reclaim) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.count < 1 || r.pages < 1 || r.shrink < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	objs, err := makeIdle(ctx, s, r.count, uint64(r.pages)*hostarch.PageSize)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if s.Deferred != nil {
		util.Infof("%d idle mappings waiting for the reclaimer", s.Deferred.Pending())
		res, err := s.Deferred.Drain(ctx)
		if err != nil {
			util.Fatalf("draining reclaimer: %v", err)
		}
		util.Infof("Reclaimer: %+v", res)
	}

	want := r.shrink
	if want == 0 {
		want = r.count * r.pages
	}
	freed := s.Device.Shrink(ctx, want)
	util.Infof("Shrinker released %d of %d requested pages, %d pages still allocated", freed, want, s.Alloc.AllocatedCount())
	s.Device.Describe(os.Stdout)

	for _, o := range objs {
		o.DecRef(ctx)
	}
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// makeIdle creates count buffers, maps them for the display and the kernel,
// releases both mappings and marks the buffers don't-need. The caller owns
// the returned references.
func makeIdle(ctx context.Context, s *System, count int, size uint64) ([]*gem.Object, error) {
	var objs []*gem.Object
	cu := cleanup.Make(func() {
		for _, o := range objs {
			o.DecRef(ctx)
		}
	})
	defer cu.Clean()

	for i := 0; i < count; i++ {
		o, err := s.Device.Create(ctx, size, gem.FlagCached)
		if err != nil {
			return nil, err
		}
		o.SetName("idle-%d", i)
		objs = append(objs, o)

		if _, err := o.GetOrCreateMapping(ctx, s.Display); err != nil {
			return nil, err
		}
		_, err = o.AcquireKernelMapping(ctx, gem.WillNeed)
		if err == nil {
			o.ReleaseKernelMapping(ctx)
		}
		o.PutMapping(ctx, s.Display)
		if err != nil {
			return nil, err
		}
		if _, err := o.SetMadvise(gem.DontNeed); err != nil {
			return nil, err
		}
	}
	cu.Release()
	return objs, nil
}
