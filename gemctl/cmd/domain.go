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

	"github.com/google/subcommands"
	"gvisor.dev/drmgem/gemctl/cmd/util"
	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Domain implements subcommands.Command for the "domain" command.
type Domain struct {
	cycles int
}

// Name implements subcommands.Command.Name.
func (*Domain) Name() string {
	return "domain"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Domain) Synopsis() string {
	return "detach and re-attach the display address space while scanning out"
}

// Usage implements subcommands.Command.Usage.
func (*Domain) Usage() string {
	return `domain [-cycles=N] - display an imported buffer and cycle the display address space through detach and attach.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Domain) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.cycles, "cycles", 3, "number of detach/attach cycles.")
}

// Execute implements subcommands.Command.Execute.
func (d *Domain) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || d.cycles < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	if err := cycleDomain(ctx, s, d.cycles); err != nil {
		util.Fatalf("%v", err)
	}
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// cycleDomain displays an imported buffer and detaches and re-attaches the
// display address space. After each attach, the plane must scan out from the
// buffer's current device address.
func cycleDomain(ctx context.Context, s *System, cycles int) error {
	buf, err := s.Exporter.Export(ctx, "camera", 4*hostarch.PageSize)
	if err != nil {
		return err
	}
	defer buf.DecRef(ctx)
	o, err := s.Device.Import(ctx, buf, 0)
	if err != nil {
		return err
	}
	defer o.DecRef(ctx)
	if _, err := s.Plane.Commit(ctx, o, s.Display); err != nil {
		return err
	}
	defer s.Plane.Disable(ctx)

	attached := 0
	entry := s.Display.RegisterClient(gem.ClientFunc(func(ctx context.Context, as *gem.AddressSpace, on bool) {
		if on {
			attached++
		}
	}))
	defer s.Display.UnregisterClient(entry)

	for i := 0; i < cycles; i++ {
		s.Display.NotifyDetach(ctx)
		if s.Display.Attached() {
			return fmt.Errorf("cycle %d: address space still attached", i)
		}
		if err := s.Display.NotifyAttach(ctx); err != nil {
			return fmt.Errorf("cycle %d: attach: %w", i, err)
		}
		iova, ok := o.LookupMapping(s.Display)
		if !ok {
			return fmt.Errorf("cycle %d: %v not re-mapped", i, o)
		}
		if got := s.Regs.SourceAddress(0, 0); got != iova {
			return fmt.Errorf("cycle %d: plane scans out %#x, buffer is at %#x", i, got, iova)
		}
		util.Infof("Cycle %d: %v at %#x, exporter state %+v", i, o, iova, buf.Stats())
	}
	if attached != cycles {
		return fmt.Errorf("clients notified of %d attaches, want %d", attached, cycles)
	}
	return nil
}
