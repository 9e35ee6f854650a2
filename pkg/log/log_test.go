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

package log

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 4, 13, 14, 15, 16000, time.UTC)
	e.Emit(0, Warning, ts, "mapped %d pages", 3)

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0504 13:14:15.000016 ") {
		t.Errorf("line %q has wrong header", line)
	}
	if !strings.HasSuffix(line, "] mapped 3 pages\n") {
		t.Errorf("line %q has wrong message", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the calling file", line)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Debug, time.Now(), "hello %s", "world")
	if len(tw.lines) != 2 {
		// The JSON object is written without a trailing newline, so the Writer
		// adds one in a second write.
		t.Fatalf("got %d writes, want 2: %v", len(tw.lines), tw.lines)
	}
	var j jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", tw.lines[0], err)
	}
	if j.Level != Debug {
		t.Errorf("level = %v, want %v", j.Level, Debug)
	}
	if j.Msg != "hello world" {
		t.Errorf("msg = %q, want %q", j.Msg, "hello world")
	}
	if !strings.HasPrefix(j.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", j.Caller)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden\n")
	l.Infof("shown\n")
	l.Warningf("shown too\n")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines, want %d: %v", got, want, tw.lines)
	}
	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("message %d\n", i)
	}
	if got := len(tw.lines); got != 1 {
		t.Errorf("rate limited logger wrote %d lines, want 1: %v", got, tw.lines)
	}
	rl.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	rl.Warningf("message %d\n", 10)
	if got, want := tw.lines[len(tw.lines)-1], "message 10 (9 messages suppressed)\n"; got != want {
		t.Errorf("line after suppression = %q, want %q", got, want)
	}
}
