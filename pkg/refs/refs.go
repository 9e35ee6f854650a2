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

// Package refs defines an atomic reference count with a destructor hook and
// optional leak checking of live reference-counted objects.
package refs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/drmgem/pkg/log"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are found.
	LeaksPanic
)

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names", "log":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (l *LeakMode) UnmarshalText(b []byte) error {
	return l.Set(string(b))
}

// Get implements flag.Value.
func (l *LeakMode) Get() any {
	return *l
}

// String implements flag.Value.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log-names"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
}

// leakMode stores the current mode for the reference leak checker.
var leakMode atomic.Uint32

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string
}

var (
	// liveObjects is the set of reference-counted objects registered while
	// leak checking is enabled. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if _, ok := liveObjects[obj]; ok {
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was enabled are ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	delete(liveObjects, obj)
}

// DoLeakCheck reports every object still in the live object map. It should be
// called when no reference-counted objects are reachable anymore, at which
// point anything left in the map is considered a leak. It returns the number
// of leaked objects.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	leaked := len(liveObjects)
	if leaked == 0 {
		return 0
	}
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n", leaked)
	for obj := range liveObjects {
		msg += obj.LeakMessage() + "\n"
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg)
	}
	log.Warningf("%s", msg)
	return leaked
}

// Refs keeps a reference count using atomic operations and calls the
// destructor when the count reaches zero. T is only used to customize leak
// messages.
//
// Do not introduce additional fields to the Refs struct. It is embedded in
// every buffer object and dma-buf.
type Refs[T any] struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a CompareAndSwap
	// loop. See IncRef, DecRef and TryIncRef for details of how these fields are
	// used.
	refCount atomic.Int64
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *Refs[T]) InitRefs() {
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *Refs[T]) RefType() string {
	return fmt.Sprintf("%T", (*T)(nil))[1:]
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs[T]) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs[T]) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count.
func (r *Refs[T]) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// TryIncRef increments the reference count unless it has already reached
// zero.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to distinguish
// other TryIncRef calls from genuine references held.
func (r *Refs[T]) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the reference count and calls destroy when it reaches
// zero.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *Refs[T]) DecRef(destroy func()) {
	v := r.refCount.Add(-1)
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))

	case int32(v) == 0:
		Unregister(r)
		// Call the destructor.
		if destroy != nil {
			destroy()
		}
	}
}
