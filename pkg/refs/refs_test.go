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

package refs

import (
	"strings"
	"sync"
	"testing"
)

type testObject struct {
	Refs[testObject]
	destroyed int
}

func (o *testObject) DecRef() {
	o.Refs.DecRef(func() { o.destroyed++ })
}

func TestDestroyAtZero(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	o.IncRef()
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with %d references left", o.ReadRefs())
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destroyed = %d, want 1", o.destroyed)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a released object")
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	o.DecRef()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	o.DecRef()
}

func TestConcurrentTryIncRef(t *testing.T) {
	o := &testObject{}
	o.InitRefs()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.TryIncRef() {
				o.DecRef()
			}
		}()
	}
	wg.Wait()
	if got := o.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs() = %d, want 1", got)
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destroyed = %d, want 1", o.destroyed)
	}
}

func TestRefType(t *testing.T) {
	o := &testObject{}
	if got, want := o.RefType(), "refs.testObject"; got != want {
		t.Errorf("RefType() = %q, want %q", got, want)
	}
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	leaked := &testObject{}
	leaked.InitRefs()
	freed := &testObject{}
	freed.InitRefs()
	freed.DecRef()

	if got := DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck() = %d, want 1", got)
	}
	if msg := leaked.LeakMessage(); !strings.Contains(msg, "reference count of 1") {
		t.Errorf("LeakMessage() = %q", msg)
	}
	leaked.DecRef()
	if got := DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck() after release = %d, want 0", got)
	}
}

func TestLeakModeFlag(t *testing.T) {
	var m LeakMode
	for _, v := range []string{"disabled", "log-names", "panic"} {
		if err := m.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
		if m.String() != v {
			t.Errorf("String() = %q, want %q", m.String(), v)
		}
	}
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
