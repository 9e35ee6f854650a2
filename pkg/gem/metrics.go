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

import "gvisor.dev/drmgem/pkg/metric"

var (
	objectsCreated   = metric.MustCreateNewUint64Metric("/gem/objects_created", "Number of buffer objects created.", metric.NewField("origin", "local", "import"))
	objectsDestroyed = metric.MustCreateNewUint64Metric("/gem/objects_destroyed", "Number of buffer objects destroyed.")
	pagesAllocated   = metric.MustCreateNewUint64Metric("/gem/pages_allocated", "Number of pages allocated for buffer objects.", metric.NewField("store", "system", "carveout"))
	pagesPurged      = metric.MustCreateNewUint64Metric("/gem/pages_purged", "Number of pages released by purging don't-need buffers.")
	iovaMaps         = metric.MustCreateNewUint64Metric("/gem/iova_maps", "Number of device address space mappings created.")
	iovaUnmaps       = metric.MustCreateNewUint64Metric("/gem/iova_unmaps", "Number of device address space mappings removed.")
	vmaps            = metric.MustCreateNewUint64Metric("/gem/vmaps", "Number of kernel mappings created.")
	vunmaps          = metric.MustCreateNewUint64Metric("/gem/vunmaps", "Number of kernel mappings removed.")
	reclaimSkips     = metric.MustCreateNewUint64Metric("/gem/reclaim_skips", "Number of times reclamation skipped a busy buffer.")
	importReattaches = metric.MustCreateNewUint64Metric("/gem/import_reattaches", "Number of times an imported buffer was re-attached to a new device.")
	delayedImports   = metric.MustCreateNewUint64Metric("/gem/delayed_imports", "Number of imported buffers mapped on first use.")
)
