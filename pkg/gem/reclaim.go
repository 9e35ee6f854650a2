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
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/eapache/queue"
	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/errors/linuxerr"
	"gvisor.dev/drmgem/pkg/log"
)

// Reclaimer decides when the unused mappings of an object are torn down.
type Reclaimer interface {
	// Idle is called, without o.mu held, when the last pin on o's mapping in
	// as is dropped, or, if as is nil, when the last kernel mapping reference
	// of o is dropped.
	Idle(ctx context.Context, o *Object, as *AddressSpace)
}

// EagerReclaimer unmaps the idle mapping synchronously in Idle. It never
// releases pages; that is left to Device.Shrink, Object.Purge and
// DeferredReclaimer.
type EagerReclaimer struct{}

// Idle implements Reclaimer.Idle.
func (EagerReclaimer) Idle(ctx context.Context, o *Object, as *AddressSpace) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unmapIdleLocked(ctx, as)
}

// idleTarget is a mapping that went idle: o's mapping in as, or o's kernel
// mapping if as is nil.
type idleTarget struct {
	o  *Object
	as *AddressSpace
}

// DeferredReclaimer queues idle mappings and reclaims them later, from Scan
// or from a background goroutine started with Start. A scan unmaps the
// queued mapping if it is still idle and purges don't-need objects nothing
// uses. Targets whose object is busy when scanned are requeued.
//
// The queue does not hold object references. Objects destroyed while queued
// are skipped.
type DeferredReclaimer struct {
	log log.Logger

	mu sync.Mutex
	// q is the FIFO of idleTarget pending reclamation. It is protected by mu.
	q *queue.Queue
	// pending is the set of targets in q. It is protected by mu.
	pending map[idleTarget]struct{}

	// stop and done control the background goroutine. They are protected by
	// mu.
	stop chan struct{}
	done chan struct{}
}

// NewDeferredReclaimer returns a DeferredReclaimer. Its own messages are
// emitted at most once per logEvery.
func NewDeferredReclaimer(logEvery time.Duration) *DeferredReclaimer {
	return &DeferredReclaimer{
		log:     log.RateLimitedLogger(log.Log(), logEvery),
		q:       queue.New(),
		pending: make(map[idleTarget]struct{}),
	}
}

// Idle implements Reclaimer.Idle.
func (r *DeferredReclaimer) Idle(ctx context.Context, o *Object, as *AddressSpace) {
	t := idleTarget{o: o, as: as}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[t]; ok {
		return
	}
	r.pending[t] = struct{}{}
	r.q.Add(t)
}

// Pending returns the number of queued mappings.
func (r *DeferredReclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

// ScanResult summarizes one pass over the queue.
type ScanResult struct {
	// Reclaimed is the number of queued mappings processed.
	Reclaimed int
	// Skipped is the number of mappings requeued because their object was
	// busy.
	Skipped int
	// Freed is the number of pages released by purging.
	Freed int
}

// Scan processes every mapping queued when it starts. Mappings whose object
// is locked are requeued.
func (r *DeferredReclaimer) Scan(ctx context.Context) ScanResult {
	r.mu.Lock()
	n := r.q.Length()
	r.mu.Unlock()

	var res ScanResult
	for i := 0; i < n; i++ {
		r.mu.Lock()
		if r.q.Length() == 0 {
			r.mu.Unlock()
			break
		}
		t := r.q.Remove().(idleTarget)
		r.mu.Unlock()

		o := t.o
		if !o.TryIncRef() {
			// Destroyed since it was queued.
			r.forget(t)
			continue
		}
		if !o.mu.TryLock() {
			res.Skipped++
			reclaimSkips.Increment()
			r.mu.Lock()
			r.q.Add(t)
			r.mu.Unlock()
			o.DecRef(ctx)
			continue
		}
		// Forget the target before reclaiming, so an Idle racing with this
		// scan queues it again.
		r.forget(t)
		res.Freed += o.reclaimLocked(ctx, t.as)
		o.mu.Unlock()
		res.Reclaimed++
		o.DecRef(ctx)
	}
	if res.Skipped != 0 {
		r.log.Debugf("Reclaim pass skipped %d busy mappings", res.Skipped)
	}
	return res
}

func (r *DeferredReclaimer) forget(t idleTarget) {
	r.mu.Lock()
	delete(r.pending, t)
	r.mu.Unlock()
}

// Drain scans until the queue is empty, backing off while objects are busy.
// It returns the accumulated result, and an error if ctx is done first.
func (r *DeferredReclaimer) Drain(ctx context.Context) (ScanResult, error) {
	var total ScanResult
	op := func() error {
		res := r.Scan(ctx)
		total.Reclaimed += res.Reclaimed
		total.Skipped += res.Skipped
		total.Freed += res.Freed
		if left := r.Pending(); left != 0 {
			return fmt.Errorf("%d mappings still busy: %w", left, linuxerr.EBUSY)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		r.log.Warningf("Reclaim drain stopped with %d mappings pending: %v", r.Pending(), err)
		return total, err
	}
	return total, nil
}

// Start runs Scan every interval on a background goroutine until Stop is
// called. It is a no-op if already started.
func (r *DeferredReclaimer) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop, r.done = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Scan(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the background goroutine and waits for it to exit.
func (r *DeferredReclaimer) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
