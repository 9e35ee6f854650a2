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

package gem

import (
	"fmt"
	"strings"

	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/hostarch"
)

// Flags are buffer object creation flags.
type Flags uint32

// Buffer object flags.
const (
	// FlagScanout marks buffers that are scanned out by the display.
	FlagScanout Flags = 0x00000001
	// FlagGPUReadOnly maps the buffer read-only for the device.
	FlagGPUReadOnly Flags = 0x00000002

	// FlagCached selects write-back CPU mappings.
	FlagCached Flags = 0x00010000
	// FlagWC selects write-combined CPU mappings.
	FlagWC Flags = 0x00020000
	// FlagUncached selects uncached CPU mappings.
	FlagUncached Flags = 0x00040000
	// CacheMask covers the cache policy bits.
	CacheMask Flags = 0x000f0000

	// FlagExternal is set on buffers whose pages have been handed to the
	// device with an explicit sync pass, so every CPU access must be
	// bracketed by syncs. It is set internally and never accepted from
	// callers.
	FlagExternal Flags = 0x08000000
	// FlagStolen marks buffers that must come from the carveout.
	FlagStolen Flags = 0x10000000
	// FlagKeepAttrs asks an exporter to keep page attributes on import.
	FlagKeepAttrs Flags = 0x20000000
	// FlagSkipSync skips cache maintenance when mapping an import.
	FlagSkipSync Flags = 0x40000000
	// FlagExtBuf marks an import whose device mapping is delayed until
	// first use.
	FlagExtBuf Flags = 0x80000000

	// validCreateFlags are the flags accepted by Device.Create.
	validCreateFlags = FlagScanout | FlagGPUReadOnly | CacheMask | FlagStolen
	// validImportFlags are the flags accepted by Device.Import.
	validImportFlags = FlagGPUReadOnly | CacheMask | FlagKeepAttrs | FlagSkipSync | FlagExtBuf
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagScanout, "scanout"},
	{FlagGPUReadOnly, "gpu-ro"},
	{FlagCached, "cached"},
	{FlagWC, "wc"},
	{FlagUncached, "uncached"},
	{FlagExternal, "external"},
	{FlagStolen, "stolen"},
	{FlagKeepAttrs, "keep-attrs"},
	{FlagSkipSync, "skip-sync"},
	{FlagExtBuf, "extbuf"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(f)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a "|" separated list of flag names, as produced by
// Flags.String.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" || s == "none" {
		return 0, nil
	}
Names:
	for _, name := range strings.Split(s, "|") {
		name = strings.TrimSpace(name)
		for _, fn := range flagNames {
			if fn.name == name {
				f |= fn.flag
				continue Names
			}
		}
		return 0, fmt.Errorf("unknown buffer flag %q", name)
	}
	return f, nil
}

// checkCacheFlags returns EINVAL unless exactly one cache policy is set.
func checkCacheFlags(f Flags) error {
	switch f & CacheMask {
	case FlagCached, FlagWC, FlagUncached:
		return nil
	default:
		return linuxerr.EINVAL
	}
}

// MemoryType returns the CPU mapping type selected by the cache bits.
func (f Flags) MemoryType() hostarch.MemoryType {
	switch f & CacheMask {
	case FlagWC:
		return hostarch.MemoryTypeWriteCombine
	case FlagUncached:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// Madvise is a buffer's eviction hint.
type Madvise int

const (
	// WillNeed buffers keep their pages.
	WillNeed Madvise = iota
	// DontNeed buffers may have their pages purged when idle.
	DontNeed
	// Purged buffers have lost their pages. Purged is terminal.
	Purged
)

// String implements fmt.Stringer.String.
func (m Madvise) String() string {
	switch m {
	case WillNeed:
		return "willneed"
	case DontNeed:
		return "dontneed"
	case Purged:
		return "purged"
	default:
		return fmt.Sprintf("Madvise(%d)", int(m))
	}
}

// PrepOp are CPU prep flags.
type PrepOp uint32

const (
	// PrepRead prepares for CPU reads.
	PrepRead PrepOp = 0x01
	// PrepWrite prepares for CPU writes.
	PrepWrite PrepOp = 0x02
	// PrepNoSync polls instead of waiting.
	PrepNoSync PrepOp = 0x04

	prepFlags = PrepRead | PrepWrite | PrepNoSync
)
