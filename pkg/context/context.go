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

// Package context defines an internal context type.
//
// The given Context conforms to the standard Go context, but mandates
// additional methods that are specific to the buffer object subsystem.
// Callers on the display commit, GPU submission, ioctl and reclamation paths
// each pass their own Context, so that log lines can be attributed to the
// path that emitted them.
package context

import (
	"context"
	"time"

	"gvisor.dev/drmgem/pkg/log"
)

// Context represents a thread of execution (hereafter "goroutine" to reflect
// Go idiosyncrasy). It carries state associated with the goroutine across API
// boundaries.
//
// It is *not safe* to retain a Context passed to a function beyond the scope
// of that function call. Values extracted from the Context should be used
// instead.
type Context interface {
	context.Context
	log.Logger
}

// logContext implements basic logging.
type logContext struct {
	log.Logger
	context.Context
}

// globalLogger forwards to whatever the global logger is at the time of the
// call, so that contexts created before log.SetTarget still log to the
// configured target.
type globalLogger struct{}

// Debugf implements log.Logger.Debugf.
func (globalLogger) Debugf(format string, v ...any) {
	log.Log().DebugfAtDepth(1, format, v...)
}

// Infof implements log.Logger.Infof.
func (globalLogger) Infof(format string, v ...any) {
	log.Log().InfofAtDepth(1, format, v...)
}

// Warningf implements log.Logger.Warningf.
func (globalLogger) Warningf(format string, v ...any) {
	log.Log().WarningfAtDepth(1, format, v...)
}

// IsLogging implements log.Logger.IsLogging.
func (globalLogger) IsLogging(level log.Level) bool {
	return log.IsLogging(level)
}

// bgContext is the context returned by context.Background.
var bgContext = &logContext{
	Context: context.Background(),
	Logger:  globalLogger{},
}

// Background returns an empty context using the default logger.
// Generally, one should use the caller's Context when available.
//
// Using a Background context for tests is fine, as long as no values are
// needed from the context in the tested code paths.
func Background() Context {
	return bgContext
}

// WithLogger returns a Context that logs through l and otherwise behaves like
// ctx.
func WithLogger(ctx context.Context, l log.Logger) Context {
	return &logContext{
		Context: ctx,
		Logger:  l,
	}
}

// FromStd wraps a standard context.Context so that it logs through the
// global logger. If ctx is already a Context it is returned unchanged.
func FromStd(ctx context.Context) Context {
	if c, ok := ctx.(Context); ok {
		return c
	}
	return WithLogger(ctx, globalLogger{})
}

// WithTimeout is context.WithTimeout, preserving the logger of ctx.
func WithTimeout(ctx Context, d time.Duration) (Context, context.CancelFunc) {
	std, cancel := context.WithTimeout(ctx, d)
	return WithLogger(std, ctx), cancel
}

// WithValue is context.WithValue, preserving the logger of ctx.
func WithValue(ctx Context, key, val any) Context {
	return WithLogger(context.WithValue(ctx, key, val), ctx)
}
