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

import "context"

// Handler is a subscriber callback for payloads of type T. The pointer
// identity of a Handler is what a weak subscription tracks and what
// UnsubscribeHandler matches on.
type Handler[T any] struct {
	kind    SubscriptionType
	action  func(T)
	fn      func(T) any
	async   func(context.Context, T) error
	asyncFn func(context.Context, T) (any, error)
}

// Action wraps a synchronous callback without result.
func Action[T any](fn func(T)) *Handler[T] {
	return &Handler[T]{kind: Sync, action: fn}
}

// Func wraps a synchronous callback with result.
func Func[T any](fn func(T) any) *Handler[T] {
	return &Handler[T]{kind: SyncWithResult, fn: fn}
}

// AsyncAction wraps an asynchronous callback without result. The publisher
// waits for it to return.
func AsyncAction[T any](fn func(context.Context, T) error) *Handler[T] {
	return &Handler[T]{kind: Async, async: fn}
}

// AsyncFunc wraps an asynchronous callback with result. The publisher waits
// for it to return.
func AsyncFunc[T any](fn func(context.Context, T) (any, error)) *Handler[T] {
	return &Handler[T]{kind: AsyncWithResult, asyncFn: fn}
}

// Type returns the subscription type of the handler.
func (h *Handler[T]) Type() SubscriptionType { return h.kind }

// invoke calls the wrapped callback.
func (h *Handler[T]) invoke(ctx context.Context, payload T) (any, error) {
	switch h.kind {
	case SyncWithResult:
		return h.fn(payload), nil
	case Async:
		return nil, h.async(ctx, payload)
	case AsyncWithResult:
		return h.asyncFn(ctx, payload)
	default:
		h.action(payload)
		return nil, nil
	}
}
