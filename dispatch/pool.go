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
	"runtime"
	"sync"

	"github.com/deep-rent/weave/internal/goid"
	"github.com/deep-rent/weave/log"
	"golang.org/x/sync/semaphore"
)

// Pool is an Executor that runs at most a fixed number of callbacks at the
// same time. Go blocks while the pool is saturated, except when called from
// one of the pool's own callbacks: then fn runs inline on the calling
// worker, so nested submissions always make progress.
type Pool struct {
	size   int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	workers map[int64]struct{}
}

// NewPool creates a Pool with the given capacity. A non-positive size
// defaults to runtime.GOMAXPROCS(0). Panics in callbacks are recovered and
// reported to logger, which defaults to slog.Default() if nil.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		logger:  logger,
		workers: make(map[int64]struct{}),
	}
}

// Size returns the maximum number of concurrently running callbacks.
func (p *Pool) Size() int { return int(p.size) }

// Go implements the Executor interface.
func (p *Pool) Go(fn func()) {
	if !p.sem.TryAcquire(1) {
		if p.isWorker(goid.Get()) {
			p.run(fn)
			return
		}
		// Acquire with a background context never fails.
		_ = p.sem.Acquire(context.Background(), 1)
	}
	go func() {
		defer p.sem.Release(1)
		id := goid.Get()
		p.enter(id)
		defer p.leave(id)
		p.run(fn)
	}()
}

func (p *Pool) run(fn func()) {
	if err := call(fn); err != nil {
		p.logger.Error("Background callback panicked", log.Error(err))
	}
}

func (p *Pool) isWorker(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[id]
	return ok
}

func (p *Pool) enter(id int64) {
	p.mu.Lock()
	p.workers[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) leave(id int64) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

// Wait blocks until all running callbacks have finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

var (
	_ Executor = (*Pool)(nil)
	_ Executor = GoExecutor{}
)
