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

// Package event implements a typed publish/subscribe bus.
//
// An Aggregator owns one Channel per payload type. Subscribers register a
// Handler on a channel and receive a Token that removes the subscription
// again. Each subscription chooses where its handler runs (ThreadOption),
// whether the channel keeps the handler alive (KeepAlive), an optional
// predicate (Where) and an optional correlation tag (Tagged).
//
// # Usage
//
//	bus := event.NewAggregator(event.WithDispatcher(loop))
//	ch := event.GetEvent[UserLoggedIn](bus)
//
//	token := ch.SubscribeFunc(func(e UserLoggedIn) {
//		fmt.Println("hello", e.Name)
//	}, event.OnThread(event.UIThread))
//	defer token.Dispose()
//
//	ch.Publish(ctx, UserLoggedIn{Name: "ada"})
//
// # Tags
//
// Publish only reaches untagged subscriptions, and PublishTagged only
// reaches subscriptions whose tag equals the given tag. A single publish
// never mixes the two groups. Subscribing again with a tag that is already
// in use replaces the previous subscription for that tag.
//
// # Weak subscriptions
//
// With KeepAlive(false) the channel references the *Handler weakly. Once
// the subscriber drops its last reference and the garbage collector has
// reclaimed the handler, the subscription is skipped and removed by the
// next publish on that channel.
package event

import (
	"fmt"
	"log/slog"

	"github.com/deep-rent/weave/dispatch"
)

// ThreadOption determines where a handler runs relative to the publisher.
type ThreadOption uint8

const (
	// PublisherThread runs the handler inline on the publishing goroutine.
	PublisherThread ThreadOption = iota
	// UIThread runs the handler on the main thread of the configured
	// dispatch.Dispatcher and blocks the publisher until it returns.
	UIThread
	// BackgroundThread runs the handler on the configured executor. The
	// publisher still waits for it to complete.
	BackgroundThread
)

// String returns a lower-case name of the option.
func (o ThreadOption) String() string {
	switch o {
	case UIThread:
		return "ui"
	case BackgroundThread:
		return "background"
	default:
		return "publisher"
	}
}

// SubscriptionType classifies a handler by whether it is asynchronous and
// whether it produces a result.
type SubscriptionType uint8

const (
	Sync SubscriptionType = iota
	SyncWithResult
	Async
	AsyncWithResult
)

// String returns a lower camelCase name of the type.
func (t SubscriptionType) String() string {
	switch t {
	case SyncWithResult:
		return "syncWithResult"
	case Async:
		return "async"
	case AsyncWithResult:
		return "asyncWithResult"
	default:
		return "sync"
	}
}

// HasResult reports whether handlers of this type produce a result.
func (t SubscriptionType) HasResult() bool {
	return t == SyncWithResult || t == AsyncWithResult
}

// Result is the outcome of a publish. It holds the last non-nil value
// returned by a result-bearing handler, in publish order.
type Result struct {
	value any
}

// Value returns the result value, or nil if no handler produced one.
func (r Result) Value() any { return r.value }

// HasValue reports whether any handler produced a non-nil value.
func (r Result) HasValue() bool { return r.value != nil }

// ResultAs returns the result value as R. It reports false if there is no
// value or if the value is not an R.
func ResultAs[R any](r Result) (R, bool) {
	v, ok := r.value.(R)
	return v, ok
}

// Observer is notified about publishes. It must be safe for concurrent use.
type Observer interface {
	// Published is called after each publish with the number of handlers
	// that were invoked.
	Published(event string, delivered int)
	// Faulted is called for every handler that panicked or returned an
	// error.
	Faulted(event string, err error)
	// Pruned is called when reclaimed weak subscriptions were removed.
	Pruned(event string, n int)
}

type nopObserver struct{}

func (nopObserver) Published(string, int) {}
func (nopObserver) Faulted(string, error) {}
func (nopObserver) Pruned(string, int)    {}

// HandlerError describes a fault raised by a handler. It is only ever
// logged and passed to the Observer; it never reaches the publisher.
type HandlerError struct {
	Event  string
	Token  string
	Thread ThreadOption
	Panic  any
	Err    error
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s panicked: %v", e.Event, e.Panic)
	}
	return fmt.Sprintf("handler for %s failed: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type config struct {
	logger     *slog.Logger
	dispatcher dispatch.Dispatcher
	executor   dispatch.Executor
	observer   Observer
}

// Option configures an Aggregator.
type Option func(*config)

// WithLogger sets the logger used to report handler faults. A nil value is
// ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDispatcher sets the main-thread dispatcher used by UIThread
// subscriptions. Without one, UIThread handlers run on the publisher.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(c *config) {
		c.dispatcher = d
	}
}

// WithExecutor sets the executor used by BackgroundThread subscriptions.
// It defaults to dispatch.GoExecutor. A nil value is ignored.
func WithExecutor(e dispatch.Executor) Option {
	return func(c *config) {
		if e != nil {
			c.executor = e
		}
	}
}

// WithObserver installs an Observer. A nil value is ignored.
func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}
