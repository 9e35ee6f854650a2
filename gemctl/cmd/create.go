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
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/drmgem/gemctl/cmd/util"
	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
)

// Create implements subcommands.Command for the "create" command.
type Create struct {
	flags string
	count int
	name  string
	pin   bool
	vmap  bool
	dumb  string
}

// Name implements subcommands.Command.Name.
func (*Create) Name() string {
	return "create"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Create) Synopsis() string {
	return "create buffer objects and map them for the display"
}

// Usage implements subcommands.Command.Usage.
func (*Create) Usage() string {
	return `create [flags] <size> - create buffer objects of <size> bytes, map them and describe the device.
create -dumb=<width>x<height>@<bpp> - create a dumb scanout buffer.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Create) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.flags, "flags", "wc", `"|" separated buffer flags, e.g. "scanout|wc".`)
	f.IntVar(&c.count, "count", 1, "number of buffers to create.")
	f.StringVar(&c.name, "name", "buffer", "debug name prefix.")
	f.BoolVar(&c.pin, "pin", false, "pin the display mappings while describing the device.")
	f.BoolVar(&c.vmap, "vmap", false, "also map the buffers into the kernel address space.")
	f.StringVar(&c.dumb, "dumb", "", "create a dumb buffer of the given geometry instead.")
}

// Execute implements subcommands.Command.Execute.
func (c *Create) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	if c.dumb != "" {
		if f.NArg() != 0 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		return c.executeDumb(ctx, conf)
	}
	if f.NArg() != 1 || c.count < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	size, err := strconv.ParseUint(f.Arg(0), 0, 64)
	if err != nil {
		util.Fatalf("invalid size %q: %v", f.Arg(0), err)
	}
	flags, err := gem.ParseFlags(c.flags)
	if err != nil {
		util.Fatalf("%v", err)
	}

	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	var objs []*gem.Object
	for i := 0; i < c.count; i++ {
		o, err := s.Device.Create(ctx, size, flags)
		if err != nil {
			util.Fatalf("creating buffer %d: %v", i, err)
		}
		o.SetName("%s-%d", c.name, i)
		objs = append(objs, o)

		get := o.GetDeviceAddress
		if c.pin {
			get = o.GetOrCreateMapping
		}
		iova, err := get(ctx, s.Display)
		if err != nil {
			util.Fatalf("mapping %v: %v", o, err)
		}
		if c.vmap {
			if _, err := o.AcquireKernelMapping(ctx, gem.WillNeed); err != nil {
				util.Fatalf("kernel mapping %v: %v", o, err)
			}
		}
		util.Infof("%v: iova=%#x", o, iova)
	}
	s.Device.Describe(os.Stdout)

	for _, o := range objs {
		if c.vmap {
			o.ReleaseKernelMapping(ctx)
		}
		if c.pin {
			o.PutMapping(ctx, s.Display)
		}
		o.DecRef(ctx)
	}
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (c *Create) executeDumb(ctx context.Context, conf *config.Config) subcommands.ExitStatus {
	var w, h, bpp uint32
	if _, err := fmt.Sscanf(c.dumb, "%dx%d@%d", &w, &h, &bpp); err != nil {
		util.Fatalf("invalid dumb buffer geometry %q, want <width>x<height>@<bpp>: %v", c.dumb, err)
	}
	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	file := s.Device.NewFile()
	db, err := file.CreateDumb(ctx, w, h, bpp)
	if err != nil {
		util.Fatalf("creating dumb buffer: %v", err)
	}
	util.Infof("handle=%d pitch=%d size=%d", db.Handle, db.Pitch, db.Size)

	o, err := file.Lookup(db.Handle)
	if err != nil {
		util.Fatalf("looking up handle %d: %v", db.Handle, err)
	}
	if _, err := s.Plane.Commit(ctx, o, s.Display); err != nil {
		util.Fatalf("displaying %v: %v", o, err)
	}
	o.DecRef(ctx)
	s.Device.Describe(os.Stdout)
	for _, w := range s.Regs.Dump() {
		fmt.Fprintf(os.Stdout, "%v\n", w)
	}

	file.Release(ctx)
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
