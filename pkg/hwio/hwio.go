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

// Package hwio is the boundary between buffer management and display
// hardware programming. Buffers cross it only as device addresses.
package hwio

import (
	"fmt"
	"sort"
	"sync"
)

// QoS is the traffic shaping configuration of a source pipe.
type QoS struct {
	// Priority is the bus arbitration priority, 0 (lowest) to 7.
	Priority uint32
	// Danger and Safe are the FIFO fill levels, in bytes, below which the
	// pipe requests urgent and normal refill.
	Danger uint32
	Safe   uint32
}

// Programmer programs display hardware.
type Programmer interface {
	// SetSourceAddress points a plane of a source pipe at a buffer.
	SetSourceAddress(pipe, plane int, iova uint64) error

	// SetTrafficShaping configures a source pipe's bus traffic.
	SetTrafficShaping(pipe int, qos QoS) error

	// SignalFence makes the control path signal seqno once the current
	// configuration has been latched.
	SignalFence(ctl int, seqno uint32) error

	// Flush latches the pending configuration of a control path at the next
	// vertical blank.
	Flush(ctl int) error
}

// Register layout. Each source pipe and each control path has its own block.
const (
	pipeBase   = 0x1000
	pipeStride = 0x400
	ctlBase    = 0x10000
	ctlStride  = 0x200

	// Per pipe.
	regSrcAddr    = 0x14 // Plane n at regSrcAddr + 8n: low word, high word.
	regQoSCtrl    = 0x100
	regDangerLUT  = 0x104
	regSafeLUT    = 0x108
	planesPerPipe = 4

	// Per control path.
	regFlush   = 0x18
	regFenceID = 0x1c

	numPipes = 8
	numCtls  = 4
)

// Write is one recorded register write.
type Write struct {
	Offset uint32
	Value  uint32
}

// String implements fmt.Stringer.String.
func (w Write) String() string {
	return fmt.Sprintf("[%#06x] <- %#x", w.Offset, w.Value)
}

// RegisterFile is a Programmer over a block of memory-mapped registers. It
// records every write in order.
type RegisterFile struct {
	mu sync.Mutex
	// regs and log are protected by mu.
	regs map[uint32]uint32
	log  []Write
}

var _ Programmer = (*RegisterFile)(nil)

// NewRegisterFile returns a RegisterFile with all registers zero.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{regs: make(map[uint32]uint32)}
}

func pipeReg(pipe int, reg uint32) uint32 {
	return pipeBase + uint32(pipe)*pipeStride + reg
}

func ctlReg(ctl int, reg uint32) uint32 {
	return ctlBase + uint32(ctl)*ctlStride + reg
}

func checkPipe(pipe int) error {
	if pipe < 0 || pipe >= numPipes {
		return fmt.Errorf("pipe %d out of range [0, %d)", pipe, numPipes)
	}
	return nil
}

func checkCtl(ctl int) error {
	if ctl < 0 || ctl >= numCtls {
		return fmt.Errorf("control path %d out of range [0, %d)", ctl, numCtls)
	}
	return nil
}

// writeLocked writes a register.
//
// Preconditions: r.mu is locked.
func (r *RegisterFile) writeLocked(off, val uint32) {
	r.regs[off] = val
	r.log = append(r.log, Write{Offset: off, Value: val})
}

// SetSourceAddress implements Programmer.SetSourceAddress.
func (r *RegisterFile) SetSourceAddress(pipe, plane int, iova uint64) error {
	if err := checkPipe(pipe); err != nil {
		return err
	}
	if plane < 0 || plane >= planesPerPipe {
		return fmt.Errorf("plane %d out of range [0, %d)", plane, planesPerPipe)
	}
	off := pipeReg(pipe, regSrcAddr+8*uint32(plane))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked(off, uint32(iova))
	r.writeLocked(off+4, uint32(iova>>32))
	return nil
}

// SetTrafficShaping implements Programmer.SetTrafficShaping.
func (r *RegisterFile) SetTrafficShaping(pipe int, qos QoS) error {
	if err := checkPipe(pipe); err != nil {
		return err
	}
	if qos.Priority > 7 {
		return fmt.Errorf("priority %d out of range [0, 7]", qos.Priority)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked(pipeReg(pipe, regQoSCtrl), qos.Priority)
	r.writeLocked(pipeReg(pipe, regDangerLUT), qos.Danger)
	r.writeLocked(pipeReg(pipe, regSafeLUT), qos.Safe)
	return nil
}

// SignalFence implements Programmer.SignalFence.
func (r *RegisterFile) SignalFence(ctl int, seqno uint32) error {
	if err := checkCtl(ctl); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked(ctlReg(ctl, regFenceID), seqno)
	return nil
}

// Flush implements Programmer.Flush.
func (r *RegisterFile) Flush(ctl int) error {
	if err := checkCtl(ctl); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked(ctlReg(ctl, regFlush), 1)
	return nil
}

// Read returns the current value of the register at off.
func (r *RegisterFile) Read(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[off]
}

// SourceAddress returns the address programmed for a plane.
func (r *RegisterFile) SourceAddress(pipe, plane int) uint64 {
	off := pipeReg(pipe, regSrcAddr+8*uint32(plane))
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(r.regs[off]) | uint64(r.regs[off+4])<<32
}

// Writes returns the recorded writes in order.
func (r *RegisterFile) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.log...)
}

// Dump returns the non-zero registers ordered by offset.
func (r *RegisterFile) Dump() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ws []Write
	for off, v := range r.regs {
		if v != 0 {
			ws = append(ws, Write{Offset: off, Value: v})
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Offset < ws[j].Offset })
	return ws
}
