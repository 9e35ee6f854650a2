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

// Package config provides basic infrastructure to set configuration settings
// for gemctl. Settings come from built-in defaults, then an optional TOML
// file, then command line flags.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/drmgem/pkg/hostarch"
	"gvisor.dev/drmgem/pkg/log"
	"gvisor.dev/drmgem/pkg/refs"
)

// Config holds configuration that is not part of the command line of a
// single subcommand.
//
// Follow these steps to add a new field:
//  1. Create the field in the Config struct with both flag and toml tags.
//  2. Register the flag in RegisterFlags using the value from defaults.
//  3. Add validation, if any, to validate.
type Config struct {
	// ConfigFile is the TOML file the configuration was loaded from.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the file where log messages are written. Stderr if
	// empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// MemorySize is the size of the system page pool in bytes.
	MemorySize uint64 `flag:"memory-size" toml:"memory_size"`

	// CarveoutSize is the size of the contiguous pool in bytes. Zero disables
	// the carveout.
	CarveoutSize uint64 `flag:"carveout-size" toml:"carveout_size"`

	// ExporterSize is the size of the pool that backs shared buffers from
	// the simulated exporter.
	ExporterSize uint64 `flag:"exporter-size" toml:"exporter_size"`

	// IOMMU indicates that the display device translates through an IOMMU.
	IOMMU bool `flag:"iommu" toml:"iommu"`

	// IOVABase and IOVASize bound the device address range of each address
	// space.
	IOVABase uint64 `flag:"iova-base" toml:"iova_base"`
	IOVASize uint64 `flag:"iova-size" toml:"iova_size"`

	// Secure marks the display address space as secure.
	Secure bool `flag:"secure" toml:"secure"`

	// Coherent indicates that the display device snoops CPU caches.
	Coherent bool `flag:"coherent" toml:"coherent"`

	// Reclaim selects when idle mappings are torn down.
	Reclaim ReclaimPolicy `flag:"reclaim" toml:"reclaim"`

	// ReclaimInterval is the scan period of the deferred reclaimer.
	ReclaimInterval time.Duration `flag:"reclaim-interval" toml:"reclaim_interval"`
}

// defaults holds the built-in configuration. Use Default to get a copy.
var defaults = Config{
	LogFormat:       "text",
	ReferenceLeak:   refs.NoLeakChecking,
	MemorySize:      64 << 20,
	CarveoutSize:    16 << 20,
	ExporterSize:    16 << 20,
	IOMMU:           true,
	IOVABase:        0x10000000,
	IOVASize:        1 << 30,
	Coherent:        true,
	Reclaim:         ReclaimDeferred,
	ReclaimInterval: 10 * time.Millisecond,
}

// Default returns a new Config with the built-in defaults.
func Default() *Config {
	return deepcopy.Copy(&defaults).(*Config)
}

// LoadFile overrides c with the settings present in the TOML file at path.
// Settings missing from the file are left unchanged.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in config %q: %v", path, undecoded)
	}
	c.ConfigFile = path
	return nil
}

// TotalMemory is the size of the memory file backing all pools.
func (c *Config) TotalMemory() uint64 {
	return c.MemorySize + c.CarveoutSize + c.ExporterSize
}

func (c *Config) validate() error {
	for _, sz := range []struct {
		name  string
		value uint64
		zero  bool
	}{
		{"memory-size", c.MemorySize, false},
		{"carveout-size", c.CarveoutSize, true},
		{"exporter-size", c.ExporterSize, false},
		{"iova-base", c.IOVABase, true},
		{"iova-size", c.IOVASize, false},
	} {
		if sz.value == 0 && !sz.zero {
			return fmt.Errorf("%s must not be zero", sz.name)
		}
		if sz.value%hostarch.PageSize != 0 {
			return fmt.Errorf("%s %#x is not page aligned", sz.name, sz.value)
		}
	}
	if !c.IOMMU && c.CarveoutSize == 0 {
		return fmt.Errorf("a device without IOMMU needs a carveout")
	}
	if c.IOVABase+c.IOVASize < c.IOVABase {
		return fmt.Errorf("iova range [%#x, +%#x) overflows", c.IOVABase, c.IOVASize)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Reclaim == ReclaimDeferred && c.ReclaimInterval <= 0 {
		return fmt.Errorf("reclaim-interval must be positive, got %v", c.ReclaimInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}

// ReclaimPolicy selects the gem.Reclaimer used by the device.
type ReclaimPolicy int

const (
	// ReclaimEager unmaps mappings as soon as they become idle. Pages are
	// only released by the shrinker.
	ReclaimEager ReclaimPolicy = iota

	// ReclaimDeferred queues idle mappings for a periodic scan, which also
	// purges unused don't-need buffers.
	ReclaimDeferred
)

func reclaimPolicyPtr(p ReclaimPolicy) *ReclaimPolicy {
	return &p
}

// Set implements flag.Value.
func (p *ReclaimPolicy) Set(v string) error {
	switch v {
	case "eager":
		*p = ReclaimEager
	case "deferred":
		*p = ReclaimDeferred
	default:
		return fmt.Errorf("invalid reclaim policy %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *ReclaimPolicy) Get() any {
	return *p
}

// String implements flag.Value.
func (p ReclaimPolicy) String() string {
	switch p {
	case ReclaimEager:
		return "eager"
	case ReclaimDeferred:
		return "deferred"
	default:
		panic(fmt.Sprintf("Invalid reclaim policy %d", p))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (p *ReclaimPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}
