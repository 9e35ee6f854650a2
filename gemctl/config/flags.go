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

package config

import (
	"flag"
	"fmt"
	"reflect"

	"gvisor.dev/drmgem/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := &defaults

	flagSet.String("config", "", "TOML file with configuration settings. Flags override the file.")

	// Debugging flags.
	flagSet.String("log", d.LogFilename, "file path where log messages are written, default is stderr.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.Var(leakModePtr(d.ReferenceLeak), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Memory pools.
	flagSet.Uint64("memory-size", d.MemorySize, "size in bytes of the system page pool.")
	flagSet.Uint64("carveout-size", d.CarveoutSize, "size in bytes of the contiguous carveout. 0 disables it.")
	flagSet.Uint64("exporter-size", d.ExporterSize, "size in bytes of the pool backing imported buffers.")

	// Display device.
	flagSet.Bool("iommu", d.IOMMU, "translate device addresses through an IOMMU. Without it, buffers come from the carveout and are addressed physically.")
	flagSet.Uint64("iova-base", d.IOVABase, "first device address of each address space.")
	flagSet.Uint64("iova-size", d.IOVASize, "size of the device address range of each address space.")
	flagSet.Bool("secure", d.Secure, "use a secure address space for the display.")
	flagSet.Bool("coherent", d.Coherent, "the display device snoops CPU caches.")

	// Reclamation.
	flagSet.Var(reclaimPolicyPtr(d.Reclaim), "reclaim", "when idle mappings are torn down: deferred (default) or eager.")
	flagSet.Duration("reclaim-interval", d.ReclaimInterval, "scan period of the deferred reclaimer.")
}

// NewFromFlags creates a new Config with values coming from the given
// FlagSet. Defaults come first, then the file named by --config, then every
// flag set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := conf.LoadFile(path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to the defaults are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := fmt.Sprintf("%v", obj.Field(i).Interface())
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}
