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

package dispatch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deep-rent/weave/dispatch"
	"github.com/deep-rent/weave/internal/goid"
	"github.com/deep-rent/weave/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs l on a fresh goroutine and returns that goroutine's id.
func startLoop(t *testing.T, l *dispatch.Loop) int64 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ids := make(chan int64, 1)
	go func() {
		ids <- goid.Get()
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})
	return <-ids
}

func TestLoop_RunOnMainThread(t *testing.T) {
	l := dispatch.NewLoop()
	main := startLoop(t, l)

	var ran int64
	var inside bool
	err := l.RunOnMainThread(func() {
		ran = goid.Get()
		inside = l.IsOnMainThread()
	})
	require.NoError(t, err)
	assert.Equal(t, main, ran)
	assert.True(t, inside)
	assert.False(t, l.IsOnMainThread())
}

func TestLoop_RunOnMainThreadInline(t *testing.T) {
	l := dispatch.NewLoop()
	startLoop(t, l)

	var nested bool
	err := l.RunOnMainThread(func() {
		// A nested call must not deadlock on the queue.
		require.NoError(t, l.RunOnMainThread(func() { nested = true }))
	})
	require.NoError(t, err)
	assert.True(t, nested)
}

func TestLoop_Panic(t *testing.T) {
	l := dispatch.NewLoop()
	startLoop(t, l)

	err := l.RunOnMainThread(func() { panic("boom") })
	require.Error(t, err)
	var pe *dispatch.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)

	// The loop survives the panic.
	require.NoError(t, l.RunOnMainThread(func() {}))
}

func TestLoop_Post(t *testing.T) {
	l := dispatch.NewLoop()

	var wg sync.WaitGroup
	wg.Add(1)
	var order []int
	require.NoError(t, l.Post(func() { order = append(order, 1) }))
	require.NoError(t, l.Post(func() {
		order = append(order, 2)
		wg.Done()
	}))

	startLoop(t, l)
	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

func TestLoop_Stopped(t *testing.T) {
	l := dispatch.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	require.NoError(t, l.RunOnMainThread(func() {}))
	cancel()
	require.NoError(t, <-errCh)

	assert.ErrorIs(t, l.RunOnMainThread(func() {}), dispatch.ErrLoopStopped)
	assert.ErrorIs(t, l.Post(func() {}), dispatch.ErrLoopStopped)
	assert.ErrorIs(t, l.Run(context.Background()), dispatch.ErrLoopRunning)
	assert.False(t, l.IsOnMainThread())
}

func TestPool(t *testing.T) {
	p := dispatch.NewPool(2, nil)
	assert.Equal(t, 2, p.Size())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		p.Go(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	require.NoError(t, p.Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_Nested(t *testing.T) {
	p := dispatch.NewPool(1, log.Discard())

	var outer, inner int64
	done := make(chan struct{})
	p.Go(func() {
		outer = goid.Get()
		nested := make(chan struct{})
		p.Go(func() {
			inner = goid.Get()
			close(nested)
		})
		<-nested
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested submission on a saturated pool did not run")
	}
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, outer, inner)
}

func TestPool_Panic(t *testing.T) {
	p := dispatch.NewPool(1, log.Discard())
	p.Go(func() { panic("boom") })
	require.NoError(t, p.Wait(context.Background()))

	done := make(chan struct{})
	p.Go(func() { close(done) })
	<-done
}

func TestGoExecutor(t *testing.T) {
	done := make(chan int64)
	dispatch.GoExecutor{}.Go(func() { done <- goid.Get() })
	assert.NotEqual(t, goid.Get(), <-done)
}
