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

// Package contexttest builds a test context.Context.
package contexttest

import (
	stdcontext "context"
	"testing"

	"gvisor.dev/drmgem/pkg/context"
	"gvisor.dev/drmgem/pkg/log"
)

// Context returns a Context that logs to tb and is canceled when the test
// ends.
func Context(tb testing.TB) context.Context {
	std, cancel := stdcontext.WithCancel(stdcontext.Background())
	tb.Cleanup(cancel)
	return context.WithLogger(std, &log.BasicLogger{
		Level:   log.Debug,
		Emitter: &log.TestEmitter{TestLogger: tb},
	})
}
