// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

// Package dispatch decides where callbacks run. It defines the main-thread
// capability consumed by the event bus, a Loop that implements it, and
// executors for background work.
//
// # Usage
//
// A Loop binds the goroutine that calls Run as the main thread:
//
//	loop := dispatch.NewLoop()
//	go func() {
//		_ = loop.RunOnMainThread(func() { fmt.Println("on main") })
//	}()
//	err := loop.Run(ctx) // blocks until ctx is done
//
// Background callbacks go through an Executor. GoExecutor starts one
// goroutine per callback; Pool caps the number of concurrent callbacks.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Dispatcher marshals work onto a designated main thread.
type Dispatcher interface {
	// RunOnMainThread executes fn on the main thread and blocks until it has
	// returned. If the caller already is the main thread, fn runs inline.
	RunOnMainThread(fn func()) error
	// IsOnMainThread reports whether the caller is the main thread.
	IsOnMainThread() bool
}

// Executor runs callbacks off the calling goroutine.
type Executor interface {
	// Go schedules fn for execution. It may block until capacity is
	// available, but it never waits for fn to complete.
	Go(fn func())
}

// GoExecutor is an Executor that starts a new goroutine per callback.
type GoExecutor struct{}

// Go implements the Executor interface.
func (GoExecutor) Go(fn func()) { go fn() }

// PanicError is returned when a dispatched callback panics.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrLoopStopped is returned when work is submitted to a Loop that is no
// longer running.
var ErrLoopStopped = errors.New("dispatch loop stopped")

// ErrLoopRunning is returned by Loop.Run if the loop is already running.
var ErrLoopRunning = errors.New("dispatch loop already running")

// call executes fn and converts a panic into a *PanicError.
func call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}
