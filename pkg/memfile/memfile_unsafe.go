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

package memfile

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/drmgem/pkg/dma"
)

// reserve reserves length bytes of inaccessible address space.
func reserve(length uintptr) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		length,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		^uintptr(0), /* fd */
		0 /* offset */)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

// mapFixed replaces [at, at+seg.Length) with a shared mapping of seg.
func (f *File) mapFixed(at uintptr, seg dma.Segment) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		at,
		uintptr(seg.Length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED,
		f.file.Fd(),
		uintptr(seg.Addr-f.base))
	if errno != 0 {
		return errno
	}
	return nil
}

// Unmap removes the mapping. m must not be used afterwards.
func (m *Mapping) Unmap() {
	if m.addr == 0 {
		return
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, m.addr, m.length, 0); errno != 0 {
		panic("failed to unmap kernel mapping: " + errno.Error())
	}
	m.addr = 0
}

// Bytes returns the mapping as a byte slice. The slice is invalid after
// Unmap.
func (m *Mapping) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.addr)), m.length)
}
