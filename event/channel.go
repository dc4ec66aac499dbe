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

package event

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"weak"

	"github.com/deep-rent/weave/log"
)

// subscription binds a handler to its delivery settings.
type subscription[T any] struct {
	token  *Token
	strong *Handler[T] // nil for weak subscriptions
	ref    weak.Pointer[Handler[T]]
	thread ThreadOption
	filter func(T) bool
	tag    any
}

// handler returns the handler, or nil if a weakly held handler has been
// reclaimed.
func (s *subscription[T]) handler() *Handler[T] {
	if s.strong != nil {
		return s.strong
	}
	return s.ref.Value()
}

type subscribeConfig struct {
	thread    ThreadOption
	keepAlive bool
	filter    any
	tag       any
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeConfig)

// OnThread selects where the handler runs. The default is PublisherThread.
func OnThread(o ThreadOption) SubscribeOption {
	return func(c *subscribeConfig) {
		c.thread = o
	}
}

// KeepAlive selects whether the channel holds the handler strongly (true,
// the default) or weakly (false).
func KeepAlive(keep bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.keepAlive = keep
	}
}

// Where sets a predicate that a payload must satisfy for the handler to
// run. The type parameter must match the payload type of the channel;
// Subscribe panics otherwise.
func Where[T any](fn func(T) bool) SubscribeOption {
	return func(c *subscribeConfig) {
		if fn != nil {
			c.filter = fn
		}
	}
}

// Tagged scopes the subscription to publishes carrying an equal tag. The
// tag must be comparable, including any interface values it holds;
// Subscribe panics otherwise. A nil tag leaves the subscription untagged.
func Tagged(tag any) SubscribeOption {
	return func(c *subscribeConfig) {
		c.tag = tag
	}
}

// Channel is the subscriber list and dispatch logic of payload type T.
// Obtain it through GetEvent. A Channel is safe for concurrent use, and
// handlers may subscribe, unsubscribe and publish from within a dispatch.
type Channel[T any] struct {
	name string
	bus  *Aggregator

	mu   sync.Mutex
	subs []*subscription[T]
}

// Name returns the name of the payload type.
func (c *Channel[T]) Name() string { return c.name }

// Subscribe registers h and returns its token.
//
// If the subscription is tagged and another subscription with an equal tag
// exists, that subscription is replaced. If it is untagged and h is already
// subscribed without a tag, the existing token is returned.
func (c *Channel[T]) Subscribe(h *Handler[T], opts ...SubscribeOption) *Token {
	if h == nil {
		panic("event: nil handler")
	}
	cfg := subscribeConfig{
		thread:    PublisherThread,
		keepAlive: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !comparableTag(cfg.tag) {
		panic(fmt.Sprintf("event: tag of type %T is not comparable", cfg.tag))
	}
	var filter func(T) bool
	if cfg.filter != nil {
		f, ok := cfg.filter.(func(T) bool)
		if !ok {
			panic(fmt.Sprintf("event: filter %T does not accept %s", cfg.filter, c.name))
		}
		filter = f
	}

	s := &subscription[T]{
		ref:    weak.Make(h),
		thread: cfg.thread,
		filter: filter,
		tag:    cfg.tag,
	}
	if cfg.keepAlive {
		s.strong = h
	}
	s.token = newToken(cfg.tag, h.kind, func() { c.remove(s) })

	replaced, existing := c.insert(s)
	if existing != nil {
		return existing
	}
	if replaced != nil {
		replaced.token.active.Store(false)
		c.bus.logger.Debug("Subscription replaced",
			slog.String("event", c.name),
			slog.Any("tag", cfg.tag),
			slog.String("token", replaced.token.String()),
		)
	}
	return s.token
}

// insert adds s to the channel. It returns the subscription s replaced by
// tag, or the token of an equal untagged subscription that already exists.
func (c *Channel[T]) insert(s *subscription[T]) (replaced *subscription[T], existing *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.subs {
		if s.tag != nil {
			if e.tag != nil && e.tag == s.tag {
				replaced = e
				c.subs = slices.Delete(c.subs, i, i+1)
				break
			}
			continue
		}
		if e.tag == nil && e.ref == s.ref {
			return nil, e.token
		}
	}
	c.subs = append(c.subs, s)
	return replaced, nil
}

// comparableTag reports whether tag can be compared with ==. Values of
// comparable types may still hold incomparable dynamic values, such as an
// interface field holding a slice.
func comparableTag(tag any) bool {
	return tag == nil || reflect.ValueOf(tag).Comparable()
}

// SubscribeFunc subscribes a synchronous callback without result.
//
// The channel is the only holder of the created handler, so combining this
// with KeepAlive(false) lets the subscription vanish at the next collection.
func (c *Channel[T]) SubscribeFunc(fn func(T), opts ...SubscribeOption) *Token {
	return c.Subscribe(Action(fn), opts...)
}

// SubscribeWithResult subscribes a synchronous callback with result.
func (c *Channel[T]) SubscribeWithResult(fn func(T) any, opts ...SubscribeOption) *Token {
	return c.Subscribe(Func(fn), opts...)
}

// SubscribeAsync subscribes an asynchronous callback without result.
func (c *Channel[T]) SubscribeAsync(fn func(context.Context, T) error, opts ...SubscribeOption) *Token {
	return c.Subscribe(AsyncAction(fn), opts...)
}

// SubscribeAsyncWithResult subscribes an asynchronous callback with result.
func (c *Channel[T]) SubscribeAsyncWithResult(fn func(context.Context, T) (any, error), opts ...SubscribeOption) *Token {
	return c.Subscribe(AsyncFunc(fn), opts...)
}

// Unsubscribe removes the subscription of token. Tokens of other channels
// and stale tokens are ignored.
func (c *Channel[T]) Unsubscribe(token *Token) {
	if token == nil {
		return
	}
	c.mu.Lock()
	i := slices.IndexFunc(c.subs, func(s *subscription[T]) bool {
		return s.token == token
	})
	if i >= 0 {
		c.subs = slices.Delete(c.subs, i, i+1)
	}
	c.mu.Unlock()
	if i >= 0 {
		token.active.Store(false)
	}
}

// UnsubscribeHandler removes every subscription of h and reports how many
// were removed.
func (c *Channel[T]) UnsubscribeHandler(h *Handler[T]) int {
	if h == nil {
		return 0
	}
	ref := weak.Make(h)
	var removed []*subscription[T]
	c.mu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s *subscription[T]) bool {
		if s.ref == ref {
			removed = append(removed, s)
			return true
		}
		return false
	})
	c.mu.Unlock()
	for _, s := range removed {
		s.token.active.Store(false)
	}
	return len(removed)
}

// Len returns the number of registered subscriptions. Weak subscriptions
// whose handler was reclaimed are counted until the next publish prunes
// them.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish delivers payload to every untagged subscription.
func (c *Channel[T]) Publish(ctx context.Context, payload T) Result {
	return c.publish(ctx, payload, nil)
}

// PublishTagged delivers payload to every subscription whose tag is equal
// to tag. A nil tag is equivalent to Publish.
func (c *Channel[T]) PublishTagged(ctx context.Context, payload T, tag any) Result {
	return c.publish(ctx, payload, tag)
}

type target[T any] struct {
	sub *subscription[T]
	h   *Handler[T]
}

func (c *Channel[T]) publish(ctx context.Context, payload T, tag any) Result {
	if !comparableTag(tag) {
		// No subscription can carry a tag of this type.
		return Result{}
	}
	targets, dead := c.snapshot(tag)

	if n := len(dead); n > 0 {
		for _, s := range dead {
			s.token.active.Store(false)
		}
		c.bus.observer.Pruned(c.name, n)
		c.bus.logger.Debug("Pruned reclaimed subscriptions",
			slog.String("event", c.name),
			slog.Int("count", n),
		)
	}

	var res Result
	delivered := 0
	for _, t := range targets {
		if !t.sub.token.Active() {
			continue
		}
		ok, err := c.accept(t.sub, payload)
		if err != nil {
			c.fault(t.sub, err)
			continue
		}
		if !ok {
			continue
		}
		delivered++
		v, err := c.dispatch(ctx, t, payload)
		if err != nil {
			c.fault(t.sub, err)
			continue
		}
		if v != nil && t.h.kind.HasResult() {
			res.value = v
		}
	}
	c.bus.observer.Published(c.name, delivered)
	return res
}

// snapshot prunes reclaimed subscriptions and returns the live ones whose
// tag equals tag, together with the pruned ones.
func (c *Channel[T]) snapshot(tag any) (targets []target[T], dead []*subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(s *subscription[T]) bool {
		h := s.handler()
		if h == nil {
			dead = append(dead, s)
			return true
		}
		if s.tag == tag {
			targets = append(targets, target[T]{sub: s, h: h})
		}
		return false
	})
	return targets, dead
}

// accept evaluates the filter of s on the publishing goroutine.
func (c *Channel[T]) accept(s *subscription[T], payload T) (ok bool, err error) {
	if s.filter == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, &HandlerError{Event: c.name, Token: s.token.String(), Thread: s.thread, Panic: r}
		}
	}()
	return s.filter(payload), nil
}

// dispatch runs the handler of t according to its thread option and waits
// for it to complete.
func (c *Channel[T]) dispatch(ctx context.Context, t target[T], payload T) (v any, err error) {
	run := func() {
		v, err = c.invoke(ctx, t, payload)
	}
	switch t.sub.thread {
	case UIThread:
		d := c.bus.dispatcher
		if d == nil || d.IsOnMainThread() {
			run()
			return v, err
		}
		if derr := d.RunOnMainThread(run); derr != nil {
			return nil, &HandlerError{Event: c.name, Token: t.sub.token.String(), Thread: UIThread, Err: derr}
		}
	case BackgroundThread:
		done := make(chan struct{})
		c.bus.executor.Go(func() {
			defer close(done)
			run()
		})
		<-done
	default:
		run()
	}
	return v, err
}

// invoke calls the handler and turns panics and returned errors into a
// *HandlerError.
func (c *Channel[T]) invoke(ctx context.Context, t target[T], payload T) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &HandlerError{Event: c.name, Token: t.sub.token.String(), Thread: t.sub.thread, Panic: r}
		}
	}()
	v, err = t.h.invoke(ctx, payload)
	if err != nil {
		return v, &HandlerError{Event: c.name, Token: t.sub.token.String(), Thread: t.sub.thread, Err: err}
	}
	return v, nil
}

func (c *Channel[T]) fault(s *subscription[T], err error) {
	c.bus.observer.Faulted(c.name, err)
	c.bus.logger.Error("Event handler failed",
		slog.String("event", c.name),
		slog.String("token", s.token.String()),
		slog.String("thread", s.thread.String()),
		log.Error(err),
	)
}

// remove deletes s from the channel.
func (c *Channel[T]) remove(s *subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(e *subscription[T]) bool {
		return e == s
	})
	s.token.active.Store(false)
}
