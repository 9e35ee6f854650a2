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

package resv

import (
	"context"
	"testing"
	"time"

	"gvisor.dev/drmgem/pkg/errors/linuxerr"
)

func TestReadersIgnoreSharedFences(t *testing.T) {
	r := New()
	reader := NewFence()
	r.AddShared(reader)
	ctx := context.Background()

	if err := r.WaitTimeout(ctx, false /* write */, 0); err != nil {
		t.Errorf("read wait with only shared fences = %v, want nil", err)
	}
	if err := r.WaitTimeout(ctx, true /* write */, 0); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("write poll with pending reader = %v, want EBUSY", err)
	}
	reader.Signal()
	if !r.Test(true) {
		t.Errorf("Test(write) = false after reader signaled")
	}
}

func TestWaitTimeout(t *testing.T) {
	r := New()
	r.AddExclusive(NewFence())
	err := r.WaitTimeout(context.Background(), false, 10*time.Millisecond)
	if !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("WaitTimeout on unsignaled fence = %v, want ETIMEDOUT", err)
	}
}

func TestWaitCompletes(t *testing.T) {
	r := New()
	f := NewFence()
	r.AddExclusive(f)
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal()
		f.Signal()
	}()
	if err := r.WaitTimeout(context.Background(), true, time.Minute); err != nil {
		t.Errorf("WaitTimeout = %v, want nil", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	r := New()
	r.AddExclusive(NewFence())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.WaitTimeout(ctx, false, time.Minute); err != context.Canceled {
		t.Errorf("WaitTimeout with cancelled context = %v, want %v", err, context.Canceled)
	}
}

func TestExclusiveReplacesShared(t *testing.T) {
	r := New()
	r.AddShared(NewFence())
	w := NewFence()
	w.Signal()
	r.AddExclusive(w)
	if !r.Test(true) {
		t.Errorf("shared fences survived a new exclusive fence")
	}
}
