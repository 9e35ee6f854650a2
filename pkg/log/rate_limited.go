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
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages beyond its rate. The next message that
// gets through reports how many were dropped.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// allow reports whether a message may be logged, and the number of messages
// dropped since the last one that was.
func (rl *rateLimitedLogger) allow() (bool, uint64) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return false, 0
	}
	return true, rl.dropped.Swap(0)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Debugf(suppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Infof(suppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if ok, n := rl.allow(); ok {
		rl.logger.Warningf(suppressed(format, n), v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// suppressed appends the count of dropped messages to format.
func suppressed(format string, n uint64) string {
	if n == 0 {
		return format
	}
	trimmed := strings.TrimSuffix(format, "\n")
	return trimmed + fmt.Sprintf(" (%d messages suppressed)", n) + format[len(trimmed):]
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
