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

package hwio

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/gem"
	"gvisor.dev/drmgem/pkg/resv"
)

// DefaultFenceTimeout bounds how long Commit waits for a buffer's producer.
const DefaultFenceTimeout = 100 * time.Millisecond

// PlaneConfig identifies the hardware behind a Plane.
type PlaneConfig struct {
	Pipe  int
	Index int
	Ctl   int
	QoS   QoS

	// FenceTimeout bounds the wait for the producer of a committed buffer.
	// If zero, DefaultFenceTimeout is used.
	FenceTimeout time.Duration
}

// Plane scans out one buffer at a time. The displayed buffer stays
// referenced and its mapping stays pinned until the next commit replaces it.
//
// Plane implements gem.Client: register it with the address space it scans
// out of, so that it re-programs the buffer address after the address space
// is re-attached.
type Plane struct {
	prog Programmer
	cfg  PlaneConfig

	mu sync.Mutex
	// The following fields are protected by mu.
	cur   *gem.Object
	curAS *gem.AddressSpace
	// fence is signaled when cur stops being scanned out.
	fence *resv.Fence
	seqno uint32
}

var _ gem.Client = (*Plane)(nil)

// NewPlane returns a disabled Plane.
func NewPlane(prog Programmer, cfg PlaneConfig) *Plane {
	if cfg.FenceTimeout == 0 {
		cfg.FenceTimeout = DefaultFenceTimeout
	}
	return &Plane{prog: prog, cfg: cfg}
}

// Commit displays obj from address space as. It waits for pending writes to
// obj, resolves and pins its device address, programs and flushes the pipe,
// and then releases the previously displayed buffer. It returns the fence
// sequence number the hardware signals once the new buffer is latched.
func (p *Plane) Commit(ctx context.Context, obj *gem.Object, as *gem.AddressSpace) (uint32, error) {
	if err := obj.Resv().WaitTimeout(ctx, false /* write */, p.cfg.FenceTimeout); err != nil {
		return 0, fmt.Errorf("waiting for producer of %v: %w", obj, err)
	}
	iova, err := obj.GetOrCreateMapping(ctx, as)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	seqno := p.seqno + 1
	if err := p.programLocked(iova, seqno); err != nil {
		obj.PutMapping(ctx, as)
		return 0, err
	}
	p.seqno = seqno
	ctx.Debugf("Plane %d.%d: committed %v at %#x, fence %d", p.cfg.Pipe, p.cfg.Index, obj, iova, seqno)

	obj.IncRef()
	fence := resv.NewFence()
	obj.Resv().AddShared(fence)
	p.retireLocked(ctx)
	p.cur, p.curAS, p.fence = obj, as, fence
	return seqno, nil
}

// programLocked programs the pipe for a buffer at iova.
//
// Preconditions: p.mu is locked.
func (p *Plane) programLocked(iova uint64, seqno uint32) error {
	if err := p.prog.SetTrafficShaping(p.cfg.Pipe, p.cfg.QoS); err != nil {
		return err
	}
	if err := p.prog.SetSourceAddress(p.cfg.Pipe, p.cfg.Index, iova); err != nil {
		return err
	}
	if err := p.prog.SignalFence(p.cfg.Ctl, seqno); err != nil {
		return err
	}
	return p.prog.Flush(p.cfg.Ctl)
}

// retireLocked releases the displayed buffer, if any.
//
// Preconditions: p.mu is locked.
func (p *Plane) retireLocked(ctx context.Context) {
	if p.cur == nil {
		return
	}
	p.fence.Signal()
	p.cur.PutMapping(ctx, p.curAS)
	p.cur.DecRef(ctx)
	p.cur, p.curAS, p.fence = nil, nil, nil
}

// Disable stops scanning out and releases the displayed buffer.
func (p *Plane) Disable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.prog.SetSourceAddress(p.cfg.Pipe, p.cfg.Index, 0); err != nil {
		return err
	}
	if err := p.prog.Flush(p.cfg.Ctl); err != nil {
		return err
	}
	p.retireLocked(ctx)
	return nil
}

// Current returns the displayed buffer, or nil. The buffer is not
// referenced on behalf of the caller.
func (p *Plane) Current() *gem.Object {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// DomainChanged implements gem.Client.DomainChanged. After the address space
// of the displayed buffer is re-attached, its address may have changed, so
// the pipe is re-programmed.
func (p *Plane) DomainChanged(ctx context.Context, as *gem.AddressSpace, attached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !attached || p.cur == nil || p.curAS != as {
		return
	}
	iova, ok := p.cur.LookupMapping(as)
	if !ok {
		ctx.Warningf("Plane %d.%d: %v has no mapping in %s after attach", p.cfg.Pipe, p.cfg.Index, p.cur, as.Name())
		return
	}
	if err := p.prog.SetSourceAddress(p.cfg.Pipe, p.cfg.Index, iova); err != nil {
		ctx.Warningf("Plane %d.%d: reprogramming after attach: %v", p.cfg.Pipe, p.cfg.Index, err)
		return
	}
	if err := p.prog.Flush(p.cfg.Ctl); err != nil {
		ctx.Warningf("Plane %d.%d: flush after attach: %v", p.cfg.Pipe, p.cfg.Index, err)
	}
}
