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
	"bytes"
	"strings"
	"testing"

	"gvisor.dev/drmgem/gemctl/config"
	"gvisor.dev/drmgem/pkg/context/contexttest"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/metric"
)

func testConfig(mod func(*config.Config)) *config.Config {
	conf := config.Default()
	conf.MemorySize = 256 * hostarch.PageSize
	conf.CarveoutSize = 256 * hostarch.PageSize
	conf.ExporterSize = 64 * hostarch.PageSize
	if mod != nil {
		mod(conf)
	}
	return conf
}

var configs = map[string]func(*config.Config){
	"deferred": nil,
	"eager": func(c *config.Config) {
		c.Reclaim = config.ReclaimEager
	},
	"no iommu": func(c *config.Config) {
		c.IOMMU = false
	},
	"non-coherent": func(c *config.Config) {
		c.Coherent = false
	},
}

func newTestSystem(t *testing.T, mod func(*config.Config)) *System {
	t.Helper()
	s, err := NewSystem(contexttest.Context(t), testConfig(mod))
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	return s
}

func closeSystem(t *testing.T, s *System) {
	t.Helper()
	if err := s.Close(contexttest.Context(t)); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewSystemLayout(t *testing.T) {
	s := newTestSystem(t, nil)
	defer closeSystem(t, s)
	if s.MMU == nil {
		t.Errorf("no IOMMU domain with IOMMU enabled")
	}
	if s.Carveout == nil {
		t.Fatalf("no carveout")
	}
	if got, want := s.Carveout.Usage().Size, uint64(256*hostarch.PageSize); got != want {
		t.Errorf("carveout size = %d, want %d", got, want)
	}
	if as, ok := s.Device.AddressSpace(displayName); !ok || as != s.Display {
		t.Errorf("display address space not registered")
	}
	if s.Deferred == nil || s.Device.Reclaimer() != s.Deferred {
		t.Errorf("default policy does not use the deferred reclaimer")
	}
}

func TestNewSystemEager(t *testing.T) {
	s := newTestSystem(t, configs["eager"])
	defer closeSystem(t, s)
	if s.Deferred != nil {
		t.Errorf("deferred reclaimer with eager policy")
	}
	if _, ok := s.Device.Reclaimer().(gem.EagerReclaimer); !ok {
		t.Errorf("reclaimer is %T, want gem.EagerReclaimer", s.Device.Reclaimer())
	}
}

func TestNewSystemInvalid(t *testing.T) {
	conf := testConfig(func(c *config.Config) {
		c.IOMMU = false
		c.CarveoutSize = 0
	})
	if _, err := NewSystem(contexttest.Context(t), conf); err == nil {
		t.Errorf("NewSystem without IOMMU or carveout succeeded")
	}
}

func TestStress(t *testing.T) {
	for name, mod := range configs {
		t.Run(name, func(t *testing.T) {
			s := newTestSystem(t, mod)
			if err := runStress(contexttest.Context(t), s, 4, 10, 2*hostarch.PageSize); err != nil {
				t.Errorf("runStress: %v", err)
			}
			closeSystem(t, s)
		})
	}
}

func TestCycleDomain(t *testing.T) {
	for name, mod := range configs {
		t.Run(name, func(t *testing.T) {
			s := newTestSystem(t, mod)
			if err := cycleDomain(contexttest.Context(t), s, 3); err != nil {
				t.Errorf("cycleDomain: %v", err)
			}
			if s.Plane.Current() != nil {
				t.Errorf("plane still displays %v", s.Plane.Current())
			}
			closeSystem(t, s)
		})
	}
}

func TestReclaimIdle(t *testing.T) {
	for name, mod := range configs {
		t.Run(name, func(t *testing.T) {
			ctx := contexttest.Context(t)
			s := newTestSystem(t, mod)
			objs, err := makeIdle(ctx, s, 4, 4*hostarch.PageSize)
			if err != nil {
				t.Fatalf("makeIdle: %v", err)
			}
			if s.Deferred != nil {
				if _, err := s.Deferred.Drain(ctx); err != nil {
					t.Fatalf("Drain: %v", err)
				}
			}
			s.Device.Shrink(ctx, 16)
			for _, o := range objs {
				if o.Madvise() != gem.Purged {
					t.Errorf("%v not purged", o)
				}
				o.DecRef(ctx)
			}
			if n := s.Alloc.AllocatedCount(); n != 0 {
				t.Errorf("%d system pages allocated after reclaim", n)
			}
			closeSystem(t, s)
		})
	}
}

func TestCloseReportsLeaks(t *testing.T) {
	ctx := contexttest.Context(t)
	s := newTestSystem(t, nil)
	o, err := s.Device.Create(ctx, hostarch.PageSize, gem.FlagWC)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Close(ctx); err == nil {
		t.Errorf("Close with %v alive succeeded", o)
	}
}

func TestSmokeTestMetrics(t *testing.T) {
	s := newTestSystem(t, nil)
	if err := smokeTest(contexttest.Context(t), s, 2); err != nil {
		t.Fatalf("smokeTest: %v", err)
	}
	closeSystem(t, s)

	var buf bytes.Buffer
	if err := metric.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	for _, name := range []string{"gem_objects_created", "gem_iova_maps", "gem_pages_purged", "gem_import_reattaches"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("metrics missing %s:\n%s", name, buf.String())
		}
	}
}
