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

// Package resv implements reservation objects: the set of fences guarding
// access to a buffer. Writers install an exclusive fence; readers add shared
// fences.
package resv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

var fenceSeqno atomic.Uint64

// Fence is a one-shot completion signal.
type Fence struct {
	seqno uint64
	once  sync.Once
	done  chan struct{}
}

// NewFence returns an unsignaled fence.
func NewFence() *Fence {
	return &Fence{
		seqno: fenceSeqno.Add(1),
		done:  make(chan struct{}),
	}
}

// Seqno returns the fence's sequence number.
func (f *Fence) Seqno() uint64 {
	return f.seqno
}

// Signal marks the fence complete. Signaling more than once has no effect.
func (f *Fence) Signal() {
	f.once.Do(func() { close(f.done) })
}

// Signaled returns true if the fence has been signaled.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the fence is signaled.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Reservation holds the fences of one buffer.
type Reservation struct {
	mu sync.Mutex
	// exclusive is the last writer's fence. It is protected by mu.
	exclusive *Fence
	// shared are the readers' fences since the last exclusive fence. It is
	// protected by mu.
	shared []*Fence
}

// New returns an empty reservation.
func New() *Reservation {
	return &Reservation{}
}

// AddExclusive installs f as the exclusive fence, replacing all shared
// fences.
func (r *Reservation) AddExclusive(f *Fence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exclusive = f
	r.shared = nil
}

// AddShared adds a shared (reader) fence.
func (r *Reservation) AddShared(f *Fence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Drop signaled readers so the list does not grow without bound.
	live := r.shared[:0]
	for _, s := range r.shared {
		if !s.Signaled() {
			live = append(live, s)
		}
	}
	r.shared = append(live, f)
}

// fences returns the fences a CPU access must wait for. Readers wait only for
// the exclusive fence; writers wait for all fences.
func (r *Reservation) fences(write bool) []*Fence {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fs []*Fence
	if r.exclusive != nil && !r.exclusive.Signaled() {
		fs = append(fs, r.exclusive)
	}
	if write {
		for _, s := range r.shared {
			if !s.Signaled() {
				fs = append(fs, s)
			}
		}
	}
	return fs
}

// Test returns true if a CPU access of the given kind would not wait.
func (r *Reservation) Test(write bool) bool {
	return len(r.fences(write)) == 0
}

// WaitTimeout waits until the buffer is idle for a CPU access of the given
// kind. A zero timeout only polls, returning EBUSY if the buffer is not idle.
// Otherwise it returns ETIMEDOUT if the buffer is still busy after timeout.
// A cancelled ctx returns ctx.Err().
func (r *Reservation) WaitTimeout(ctx context.Context, write bool, timeout time.Duration) error {
	fs := r.fences(write)
	if len(fs) == 0 {
		return nil
	}
	if timeout <= 0 {
		return linuxerr.EBUSY
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, f := range fs {
		select {
		case <-f.Done():
		case <-timer.C:
			return linuxerr.ETIMEDOUT
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
