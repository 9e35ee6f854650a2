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
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Import implements subcommands.Command for the "import" command.
type Import struct {
	size    uint64
	delayed bool
	flags   string
}

// Name implements subcommands.Command.Name.
func (*Import) Name() string {
	return "import"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Import) Synopsis() string {
	return "import a shared buffer and scan it out"
}

// Usage implements subcommands.Command.Usage.
func (*Import) Usage() string {
	return `import [flags] <name> - export a buffer called <name> from the simulated producer, import it and display it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Import) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&i.size, "size", 4*hostarch.PageSize, "size in bytes of the shared buffer.")
	f.BoolVar(&i.delayed, "delayed", false, "delay attaching the buffer until its first device address is requested.")
	f.StringVar(&i.flags, "flags", "", `additional "|" separated import flags, e.g. "keep-attrs|skip-sync".`)
}

// Execute implements subcommands.Command.Execute.
func (i *Import) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	flags, err := gem.ParseFlags(i.flags)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if i.delayed {
		flags |= gem.FlagExtBuf
	}

	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	buf, err := s.Exporter.Export(ctx, f.Arg(0), i.size)
	if err != nil {
		util.Fatalf("exporting %q: %v", f.Arg(0), err)
	}
	o, err := s.Device.Import(ctx, buf, flags)
	if err != nil {
		util.Fatalf("importing %q: %v", f.Arg(0), err)
	}
	util.Infof("Imported %v, exporter state before first use: %+v", o, buf.Stats())

	seqno, err := s.Plane.Commit(ctx, o, s.Display)
	if err != nil {
		util.Fatalf("displaying %v: %v", o, err)
	}
	iova, _ := o.LookupMapping(s.Display)
	util.Infof("Displaying %v at %#x, fence %d, exporter state: %+v", o, iova, seqno, buf.Stats())
	o.Describe(os.Stdout)

	if err := s.Plane.Disable(ctx); err != nil {
		util.Fatalf("disabling plane: %v", err)
	}
	o.DecRef(ctx)
	buf.DecRef(ctx)
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
