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
	"io"

	"gvisor.dev/drmgem/pkg/pagestore"
)

// Describe writes a one-object summary to w, followed by one line per
// mapping.
func (o *Object) Describe(w io.Writer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := o.name
	if name == "" {
		name = "-"
	}
	store := pagestore.String(o.store)
	if o.imp != nil {
		store = fmt.Sprintf("import:%d pages", len(o.imp.pages))
	}
	fmt.Fprintf(w, "%v name=%s flags=%v madv=%v refs=%d vmap=%d store=%s", o, name, o.flags, o.madv, o.ReadRefs(), o.vmapCount, store)
	if o.dirty {
		fmt.Fprint(w, " dirty")
	}
	fmt.Fprintln(w)
	for _, m := range o.mappingsLocked() {
		state := "mapped"
		if !m.Mapped {
			state = "unmapped"
		}
		if m.Held {
			state += " held"
		}
		fmt.Fprintf(w, "\t%s: iova=%#x pins=%d %s\n", m.AddressSpace, m.IOVA, m.Pins, state)
	}
}

// Describe writes the address spaces and the live objects of d to w.
func (d *Device) Describe(w io.Writer) {
	for _, as := range d.AddressSpaces() {
		mmu := "none"
		if as.mmu != nil {
			mmu = as.mmu.String()
		}
		fmt.Fprintf(w, "address space %s: dma=%v mmu=%s attached=%t active=%d\n", as.name, as.dma, mmu, as.Attached(), len(as.Active()))
	}
	if d.carveout != nil {
		u := d.carveout.Usage()
		fmt.Fprintf(w, "carveout: used=%d/%d nodes=%d largest-free=%d\n", u.Used, u.Size, u.Nodes, u.LargestFree)
	}
	objs := d.Objects()
	fmt.Fprintf(w, "%d objects\n", len(objs))
	for _, o := range objs {
		o.Describe(w)
	}
}
