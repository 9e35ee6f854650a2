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
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/metric"
)

// MetricExport implements subcommands.Command for the "export-metrics"
// command.
type MetricExport struct {
	workers int
}

// Name implements subcommands.Command.Name.
func (*MetricExport) Name() string {
	return "export-metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricExport) Synopsis() string {
	return "run a short workload and export buffer metric data"
}

// Usage implements subcommands.Command.Usage.
func (*MetricExport) Usage() string {
	return `export-metrics [-workers=N] - runs a short workload and prints buffer metric data in Prometheus metric format
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MetricExport) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.workers, "workers", 2, "number of concurrent workers in the workload.")
}

// Execute implements subcommands.Command.Execute.
func (m *MetricExport) Execute(stdctx stdcontext.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.workers < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ctx := context.FromStd(stdctx)

	s, err := NewSystem(ctx, conf)
	if err != nil {
		util.Fatalf("creating system: %v", err)
	}
	if err := smokeTest(ctx, s, m.workers); err != nil {
		util.Fatalf("workload: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		util.Fatalf("%v", err)
	}
	if err := metric.WriteText(os.Stdout); err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	return subcommands.ExitSuccess
}

// smokeTest touches every counted operation once or more: local and
// imported buffers, device and kernel mappings, detach and attach, and
// purging.
func smokeTest(ctx context.Context, s *System, workers int) error {
	if err := runStress(ctx, s, workers, 4, hostarch.PageSize); err != nil {
		return err
	}
	if err := cycleDomain(ctx, s, 1); err != nil {
		return err
	}
	objs, err := makeIdle(ctx, s, 2, 2*hostarch.PageSize)
	if err != nil {
		return err
	}
	if s.Deferred != nil {
		if _, err := s.Deferred.Drain(ctx); err != nil {
			return err
		}
	}
	s.Device.Shrink(ctx, 4)
	for _, o := range objs {
		o.DecRef(ctx)
	}
	return nil
}
