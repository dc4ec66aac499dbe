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

// Package app hosts an application built from modules. A Host wires the
// service container, the event aggregator, the main loop and the module
// manager, and manages their lifecycle. It simplifies graceful shutdown by
// handling OS interrupt signals (SIGINT, SIGTERM) and propagating a
// cancellation signal through a context.
//
// # Usage
//
//	h := app.New(
//		app.WithConfig(cfg),
//		app.WithModules(module.Info{Name: "orders", Module: orders}),
//	)
//	err := h.Run(func(ctx context.Context) error {
//		svc := di.MustResolve[*orders.Service](h.Container())
//		return svc.Serve(ctx)
//	})
//
// Run binds the calling goroutine as the main thread: modules are loaded
// and unloaded on it, and event handlers subscribed with event.UIThread run
// on it while the application is up.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/deep-rent/weave/config"
	"github.com/deep-rent/weave/di"
	"github.com/deep-rent/weave/dispatch"
	"github.com/deep-rent/weave/event"
	"github.com/deep-rent/weave/log"
	"github.com/deep-rent/weave/metrics"
	"github.com/deep-rent/weave/module"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout is the default duration to wait for the application to
// gracefully shut down after receiving a termination signal.
const DefaultTimeout = 10 * time.Second

// ErrAlreadyRun is returned if a Host is run more than once.
var ErrAlreadyRun = errors.New("host has already been run")

// Runnable defines a function that can be executed by the application runner.
// It receives a context that is canceled when a shutdown signal is received.
// The function should perform its cleanup and return when the context is done.
type Runnable func(ctx context.Context) error

type options struct {
	logger     *slog.Logger
	timeout    time.Duration
	signals    []os.Signal
	ctx        context.Context
	modules    []module.Info
	conf       *config.Config
	registerer prometheus.Registerer
}

// Option is a function that configures the application host.
type Option func(*options)

// WithLogger provides a custom logger for the host. If not set, the host
// derives one from the configuration, or defaults to slog.Default(). A nil
// value will be ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout sets a custom timeout for the graceful shutdown process.
// If the application logic takes longer than this duration to return after a
// shutdown signal is received, the runner will exit with an error. A negative
// or zero duration will be ignored. The timeout takes precedence over the
// one given by WithConfig.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSignals allows customization of which OS signals trigger a shutdown.
// If not used, it defaults to SIGTERM and SIGINT.
func WithSignals(signals ...os.Signal) Option {
	return func(o *options) {
		if len(signals) > 0 {
			o.signals = signals
		}
	}
}

// WithContext sets a parent context for the runner. The runner's main
// context will be a child of this parent. Cancelling the parent context
// triggers a graceful shutdown. If not set, context.Background() is used as
// the default parent. A nil value will be ignored.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithModules adds modules to the host. They are loaded when Run starts and
// unloaded in reverse order when it ends.
func WithModules(infos ...module.Info) Option {
	return func(o *options) {
		o.modules = append(o.modules, infos...)
	}
}

// WithConfig applies the settings read by the config package. A nil value
// will be ignored.
func WithConfig(conf *config.Config) Option {
	return func(o *options) {
		if conf != nil {
			o.conf = conf
		}
	}
}

// WithRegisterer exports container and event metrics to the given registry.
// Without it, no metrics are collected.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		if r != nil {
			o.registerer = r
		}
	}
}

// Host owns the parts of a running application.
type Host struct {
	logger    *slog.Logger
	timeout   time.Duration
	signals   []os.Signal
	ctx       context.Context
	container *di.Container
	bus       *event.Aggregator
	loop      *dispatch.Loop
	pool      *dispatch.Pool
	modules   *module.Manager
	collector *metrics.Collector
	err       error
	ran       atomic.Bool
}

// New creates a Host. Errors detected while wiring, such as duplicate
// modules, are reported by Run.
func New(opts ...Option) *Host {
	o := options{
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	conf := o.conf
	if conf == nil {
		conf = config.Default()
	}
	if o.logger == nil {
		if o.conf != nil {
			o.logger = conf.Logger(os.Stdout)
		} else {
			o.logger = slog.Default()
		}
	}
	if o.timeout <= 0 {
		o.timeout = conf.ShutdownTimeout
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}

	h := &Host{
		logger:  o.logger,
		timeout: o.timeout,
		signals: o.signals,
		ctx:     o.ctx,
	}

	var errs []error
	containerOpts := []di.Option{di.WithLogger(log.Component(h.logger, "container"))}
	busOpts := []event.Option{event.WithLogger(log.Component(h.logger, "events"))}
	if o.registerer != nil {
		h.collector = metrics.New(conf.MetricsNamespace)
		if err := o.registerer.Register(h.collector); err != nil {
			errs = append(errs, fmt.Errorf("failed to register metrics: %w", err))
		}
		containerOpts = append(containerOpts, di.WithObserver(h.collector))
		busOpts = append(busOpts, event.WithObserver(h.collector))
	}

	h.container = di.New(containerOpts...)
	h.loop = dispatch.NewLoop(dispatch.WithLoopLogger(log.Component(h.logger, "dispatch")))
	h.pool = dispatch.NewPool(conf.Workers, log.Component(h.logger, "dispatch"))
	busOpts = append(busOpts,
		event.WithDispatcher(h.loop),
		event.WithExecutor(h.pool),
	)
	h.bus = event.NewAggregator(busOpts...)
	h.modules = module.NewManager(h.container,
		module.WithLogger(log.Component(h.logger, "modules")),
		module.WithAggregator(h.bus),
	)

	errs = append(errs,
		di.AddInstance(h.container, h.logger),
		di.AddInstance(h.container, h.container),
		di.AddInstance(h.container, h.bus),
		di.AddInstance(h.container, h.loop),
		di.AddInstance[dispatch.Dispatcher](h.container, h.loop),
		di.AddInstance[dispatch.Executor](h.container, h.pool),
		di.AddInstance(h.container, h.modules),
	)
	if len(o.modules) > 0 {
		errs = append(errs, h.modules.Add(o.modules...))
	}
	h.err = errors.Join(errs...)
	return h
}

// Logger returns the logger of the host.
func (h *Host) Logger() *slog.Logger { return h.logger }

// Container returns the service container.
func (h *Host) Container() *di.Container { return h.container }

// Aggregator returns the event aggregator.
func (h *Host) Aggregator() *event.Aggregator { return h.bus }

// Loop returns the main loop. It runs while Run is active.
func (h *Host) Loop() *dispatch.Loop { return h.loop }

// Pool returns the executor of background event handlers.
func (h *Host) Pool() *dispatch.Pool { return h.pool }

// Modules returns the module manager.
func (h *Host) Modules() *module.Manager { return h.modules }

// Run provides a managed execution environment for a Runnable.
// It loads the modules, launches the Runnable in a separate goroutine and
// serves the main loop on the calling goroutine until the Runnable
// completes on its own, an OS interrupt signal is caught, or the parent
// context (if specified via WithContext) is canceled.
//
// Upon receiving a signal, it cancels the context passed to the Runnable
// and waits for the specified shutdown timeout. The Runnable is expected
// to honor the context cancellation and perform any necessary cleanup before
// returning. Afterwards, modules are unloaded and the container is closed.
// Run returns any error from the Runnable itself, from loading or unloading,
// or an error if the shutdown process times out. A host can only be run
// once.
func (h *Host) Run(fn Runnable) error {
	return h.RunAll([]Runnable{fn})
}

// RunAll is like Run, but executes several Runnables concurrently. If one of
// them fails or panics, the context of the others is canceled.
func (h *Host) RunAll(fns []Runnable) error {
	if h.err != nil {
		return h.err
	}
	if !h.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	ctx, cancel := signal.NotifyContext(h.ctx, h.signals...)
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	var g errgroup.Group
	g.Go(func() error {
		defer stopLoop()
		return h.supervise(ctx, fns)
	})
	if err := h.loop.Run(loopCtx); err != nil {
		return err
	}
	return g.Wait()
}

// supervise drives the lifecycle while the calling goroutine serves the
// main loop.
func (h *Host) supervise(ctx context.Context, fns []Runnable) error {
	if err := h.onMain(h.modules.LoadAll); err != nil {
		return errors.Join(
			fmt.Errorf("failed to load modules: %w", err),
			h.teardown(),
		)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runAll(ctx, fns) }()

	h.logger.Info("Application started")

	var err error
	select {
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("encountered an application error: %w", err)
		} else {
			h.logger.Info("Application stopped")
		}

	case <-ctx.Done():
		h.logger.Info("Shutdown signal received, initiating graceful shutdown")

		timer := time.NewTimer(h.timeout)
		defer timer.Stop()

		select {
		case err = <-errCh:
			if err != nil {
				err = fmt.Errorf("error occurred during shutdown: %w", err)
			} else {
				h.logger.Info("Shutdown completed successfully")
			}
		case <-timer.C:
			err = fmt.Errorf("shutdown timed out after %v", h.timeout)
		}
	}
	return errors.Join(err, h.teardown())
}

// teardown unloads the modules, closes the container and waits for
// background handlers within the shutdown timeout.
func (h *Host) teardown() error {
	var errs []error
	if err := h.onMain(h.modules.UnloadAll); err != nil {
		errs = append(errs, fmt.Errorf("failed to unload modules: %w", err))
	}
	if err := h.container.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close container: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.pool.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("background handlers did not finish: %w", err))
	}
	return errors.Join(errs...)
}

// onMain runs fn on the main loop and returns its error.
func (h *Host) onMain(fn func() error) error {
	var err error
	if e := h.loop.RunOnMainThread(func() { err = fn() }); e != nil {
		return e
	}
	return err
}

// runAll runs fns in an errgroup. A context.Canceled error counts as a
// clean exit.
func runAll(ctx context.Context, fns []Runnable) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return safe(gctx, fn) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// safe converts a panic raised by fn into an error carrying the stack.
func safe(ctx context.Context, fn Runnable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Run creates a Host with the given options and runs fn on it.
func Run(fn Runnable, opts ...Option) error {
	return New(opts...).Run(fn)
}

// RunAll creates a Host with the given options and runs fns on it.
func RunAll(fns []Runnable, opts ...Option) error {
	return New(opts...).RunAll(fns)
}
