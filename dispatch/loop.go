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

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/deep-rent/weave/internal/goid"
	"github.com/deep-rent/weave/log"
)

// DefaultQueueSize is the default capacity of a Loop's work queue.
const DefaultQueueSize = 64

type task struct {
	fn   func()
	done chan error // nil for fire-and-forget posts
}

type loopConfig struct {
	size   int
	logger *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*loopConfig)

// WithQueueSize sets the capacity of the work queue. Non-positive values are
// ignored.
func WithQueueSize(n int) LoopOption {
	return func(c *loopConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithLoopLogger sets the logger used to report panics in posted callbacks.
// A nil value is ignored.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(c *loopConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Loop is a Dispatcher whose main thread is the goroutine executing Run.
// Work submitted before Run is called is queued and executed once the loop
// starts. A Loop can be run only once.
type Loop struct {
	queue  chan task
	done   chan struct{}
	owner  atomic.Int64
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stop    sync.Once
}

// NewLoop creates a Loop that has not been started yet.
func NewLoop(opts ...LoopOption) *Loop {
	cfg := loopConfig{
		size:   DefaultQueueSize,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loop{
		queue:  make(chan task, cfg.size),
		done:   make(chan struct{}),
		logger: cfg.logger,
	}
}

// Run binds the calling goroutine as the main thread and executes queued
// callbacks until ctx is done. It returns ErrLoopRunning if the loop was
// started before and nil once it has stopped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrLoopRunning
	}
	l.started = true
	l.owner.Store(goid.Get())
	l.mu.Unlock()

	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-l.queue:
			l.exec(t)
		}
	}
}

// Stopped returns a channel that is closed once the loop has stopped.
func (l *Loop) Stopped() <-chan struct{} { return l.done }

// IsOnMainThread implements the Dispatcher interface.
func (l *Loop) IsOnMainThread() bool {
	id := l.owner.Load()
	return id != 0 && id == goid.Get()
}

// RunOnMainThread implements the Dispatcher interface. Panics raised by fn
// are returned as *PanicError.
func (l *Loop) RunOnMainThread(fn func()) error {
	if l.IsOnMainThread() {
		return call(fn)
	}
	t := task{fn: fn, done: make(chan error, 1)}
	if err := l.submit(t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-l.done:
		// The task may have completed right before shutdown.
		select {
		case err := <-t.done:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

// Post enqueues fn without waiting for it to run. Panics raised by fn are
// logged.
func (l *Loop) Post(fn func()) error {
	return l.submit(task{fn: fn})
}

func (l *Loop) submit(t task) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.queue <- t:
		return nil
	case <-l.done:
		return ErrLoopStopped
	}
}

func (l *Loop) exec(t task) {
	err := call(t.fn)
	if t.done != nil {
		t.done <- err
		return
	}
	if err != nil {
		l.logger.Error("Posted callback panicked", log.Error(err))
	}
}

func (l *Loop) shutdown() {
	l.stop.Do(func() {
		l.owner.Store(0)
		close(l.done)
	})
}

var _ Dispatcher = (*Loop)(nil)
