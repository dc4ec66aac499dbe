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

package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/deep-rent/weave/app"
	"github.com/deep-rent/weave/config"
	"github.com/deep-rent/weave/di"
	"github.com/deep-rent/weave/dispatch"
	"github.com/deep-rent/weave/event"
	"github.com/deep-rent/weave/log"
	"github.com/deep-rent/weave/module"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() app.Option {
	return app.WithLogger(log.Discard())
}

func TestRun_Success(t *testing.T) {
	r := func(context.Context) error { return nil }

	err := app.Run(r, quiet())
	require.NoError(t, err)
}

func TestRun_AppError(t *testing.T) {
	r := func(context.Context) error { return assert.AnError }

	err := app.Run(r, quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRun_Panic(t *testing.T) {
	r := func(context.Context) error {
		panic("something went terribly wrong")
	}

	err := app.Run(r, quiet())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "application panic")
	assert.Contains(t, err.Error(), "something went terribly wrong")
	assert.Contains(t, err.Error(), "app_test.go")
}

func TestRun_SignalShutdown(t *testing.T) {
	done := make(chan struct{})
	r := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // Simulate cleanup work
		close(done)
		return nil
	}

	// Use SIGUSR1 to avoid killing the test runner if something leaks
	sig := syscall.SIGUSR1
	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Run(r, app.WithSignals(sig), quiet())
	}()

	time.Sleep(50 * time.Millisecond) // Wait for the app to start up

	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(sig))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not return after shutdown signal")
	}

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("cleanup did not finish in time")
	}
}

func TestRun_ContextCanceledIgnored(t *testing.T) {
	sig := syscall.SIGUSR1
	r := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(r, app.WithSignals(sig), quiet())
	}()

	time.Sleep(50 * time.Millisecond)

	p, _ := os.FindProcess(os.Getpid())
	_ = p.Signal(sig)

	select {
	case err := <-errCh:
		require.NoError(t, err, "context.Canceled should be filtered out")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for shutdown")
	}
}

func TestRun_ShutdownTimeout(t *testing.T) {
	timeout := 20 * time.Millisecond
	r := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(5 * timeout) // Cleanup is stubbornly slow
		return nil
	}

	sig := syscall.SIGUSR1
	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Run(
			r,
			app.WithSignals(sig),
			app.WithTimeout(timeout),
			quiet(),
		)
	}()

	time.Sleep(50 * time.Millisecond)

	p, _ := os.FindProcess(os.Getpid())
	_ = p.Signal(sig)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shutdown timed out")
	case <-time.After(200 * time.Millisecond):
		t.Fatal("did not time out as expected")
	}
}

func TestRun_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(r, app.WithContext(ctx), quiet())
	}()

	time.Sleep(10 * time.Millisecond) // Let the app start up
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("did not return after parent context was canceled")
	}
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := func(context.Context) error { return nil }

	err := app.Run(r, app.WithLogger(logger))
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, "Application started")
	assert.Contains(t, logs, "Application stopped")
}

func TestRunAll_CascadingError(t *testing.T) {
	errTriggered := errors.New("worker 1 failed")
	var worker2Canceled bool

	r1 := func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return errTriggered
	}
	r2 := func(ctx context.Context) error {
		<-ctx.Done()
		worker2Canceled = errors.Is(ctx.Err(), context.Canceled)
		return nil
	}

	err := app.RunAll([]app.Runnable{r1, r2}, quiet())

	require.Error(t, err)
	assert.ErrorIs(t, err, errTriggered)
	assert.True(t, worker2Canceled, "worker 2 should've been canceled when worker 1 failed")
}

func TestRunAll_CascadingPanic(t *testing.T) {
	var worker2Canceled bool

	r1 := func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		panic("worker 1 panicked")
	}
	r2 := func(ctx context.Context) error {
		<-ctx.Done()
		worker2Canceled = errors.Is(ctx.Err(), context.Canceled)
		return nil
	}

	err := app.RunAll([]app.Runnable{r1, r2}, quiet())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 1 panicked")
	assert.True(t, worker2Canceled, "worker 2 should've been canceled when worker 1 panicked")
}

func TestHost_RunTwice(t *testing.T) {
	h := app.New(quiet())
	require.NoError(t, h.Run(func(context.Context) error { return nil }))
	assert.ErrorIs(t, h.Run(func(context.Context) error { return nil }), app.ErrAlreadyRun)
}

func TestHost_Instances(t *testing.T) {
	h := app.New(quiet())
	c := h.Container()

	assert.Same(t, c, di.MustResolve[*di.Container](c))
	assert.Same(t, h.Aggregator(), di.MustResolve[*event.Aggregator](c))
	assert.Same(t, h.Modules(), di.MustResolve[*module.Manager](c))
	assert.Same(t, h.Loop(), di.MustResolve[*dispatch.Loop](c))
	assert.Same(t, h.Logger(), di.MustResolve[*slog.Logger](c))

	d := di.MustResolve[dispatch.Dispatcher](c)
	assert.Same(t, h.Loop(), d.(*dispatch.Loop))
	e := di.MustResolve[dispatch.Executor](c)
	assert.Same(t, h.Pool(), e.(*dispatch.Pool))
}

type Greeting struct{ Text string }

type Greeter struct {
	Bus    *event.Aggregator
	closed bool
}

func (g *Greeter) Close() error {
	g.closed = true
	return nil
}

type greeterModule struct {
	onMain   []bool
	loop     *dispatch.Loop
	received []string
	shutdown bool
}

func (m *greeterModule) RegisterTypes(c *di.Container) error {
	return di.AddSingleton[*Greeter](c, func(bus *event.Aggregator) *Greeter {
		return &Greeter{Bus: bus}
	})
}

func (m *greeterModule) OnInitialized(r di.Resolver) error {
	m.loop = di.MustResolve[*dispatch.Loop](r)
	m.onMain = append(m.onMain, m.loop.IsOnMainThread())
	g := di.MustResolve[*Greeter](r)
	event.GetEvent[Greeting](g.Bus).SubscribeFunc(func(e Greeting) {
		m.onMain = append(m.onMain, m.loop.IsOnMainThread())
		m.received = append(m.received, e.Text)
	}, event.OnThread(event.UIThread))
	return nil
}

func (m *greeterModule) Shutdown(*di.Container) error {
	m.onMain = append(m.onMain, m.loop.IsOnMainThread())
	m.shutdown = true
	return nil
}

func TestHost_Modules(t *testing.T) {
	mod := &greeterModule{}
	h := app.New(quiet(), app.WithModules(module.Info{Name: "greeter", Module: mod}))

	var greeter *Greeter
	err := h.Run(func(ctx context.Context) error {
		assert.False(t, h.Loop().IsOnMainThread())
		assert.True(t, h.Modules().IsLoaded("greeter"))
		greeter = di.MustResolve[*Greeter](h.Container())
		event.GetEvent[Greeting](h.Aggregator()).Publish(ctx, Greeting{Text: "hello"})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"hello"}, mod.received)
	assert.Equal(t, []bool{true, true, true}, mod.onMain)
	assert.True(t, mod.shutdown)
	assert.True(t, greeter.closed)
	assert.False(t, h.Modules().IsLoaded("greeter"))
}

type failingModule struct{}

func (failingModule) RegisterTypes(*di.Container) error { return assert.AnError }
func (failingModule) OnInitialized(di.Resolver) error   { return nil }

func TestHost_ModuleLoadFailure(t *testing.T) {
	called := false
	err := app.Run(func(context.Context) error {
		called = true
		return nil
	}, quiet(), app.WithModules(module.Info{Name: "broken", Module: failingModule{}}))

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "failed to load modules")
	assert.False(t, called)
}

type panickingModule struct{}

func (panickingModule) RegisterTypes(*di.Container) error { panic("register exploded") }
func (panickingModule) OnInitialized(di.Resolver) error   { return nil }

func TestHost_ModulePanic(t *testing.T) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(func(context.Context) error { return nil },
			quiet(), app.WithModules(module.Info{Name: "panicky", Module: panickingModule{}}))
	}()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, module.ErrModulePanic)
		assert.Contains(t, err.Error(), "register exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("did not return after a module panicked")
	}
}

func TestHost_DuplicateModules(t *testing.T) {
	info := module.Info{Name: "dup", Module: failingModule{}}
	err := app.Run(func(context.Context) error { return nil }, quiet(), app.WithModules(info, info))
	assert.ErrorIs(t, err, module.ErrDuplicateModule)
}

func TestHost_Config(t *testing.T) {
	conf := config.Default()
	conf.Workers = 3
	conf.MetricsNamespace = "shop"

	reg := prometheus.NewRegistry()
	h := app.New(quiet(), app.WithConfig(conf), app.WithRegisterer(reg))
	assert.Equal(t, 3, h.Pool().Size())

	err := h.Run(func(ctx context.Context) error {
		_ = di.MustResolve[*slog.Logger](h.Container())
		event.GetEvent[Greeting](h.Aggregator()).Publish(ctx, Greeting{})
		return nil
	})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "shop_events_published_total")
	assert.Contains(t, names, "shop_container_resolutions_total")
}

func TestHost_RegistererConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = app.New(quiet(), app.WithRegisterer(reg))

	err := app.Run(func(context.Context) error { return nil }, quiet(), app.WithRegisterer(reg))
	assert.ErrorContains(t, err, "failed to register metrics")
}
