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
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/deep-rent/weave/dispatch"
)

// Aggregator hands out one Channel per payload type. It is safe for
// concurrent use.
type Aggregator struct {
	logger     *slog.Logger
	dispatcher dispatch.Dispatcher
	executor   dispatch.Executor
	observer   Observer

	mu       sync.Mutex
	channels map[reflect.Type]any
}

// NewAggregator creates an Aggregator without channels.
func NewAggregator(opts ...Option) *Aggregator {
	cfg := config{
		logger:   slog.Default(),
		executor: dispatch.GoExecutor{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Aggregator{
		logger:     cfg.logger,
		dispatcher: cfg.dispatcher,
		executor:   cfg.executor,
		observer:   cfg.observer,
		channels:   make(map[reflect.Type]any),
	}
}

// GetEvent returns the channel of payload type T, creating it on first
// use. Every call with the same T returns the same channel.
func GetEvent[T any](a *Aggregator) *Channel[T] {
	t := reflect.TypeFor[T]()

	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.channels[t]; ok {
		return ch.(*Channel[T])
	}
	ch := &Channel[T]{name: t.String(), bus: a}
	a.channels[t] = ch
	return ch
}

// Events returns the names of all channels created so far, sorted.
func (a *Aggregator) Events() []string {
	a.mu.Lock()
	names := make([]string, 0, len(a.channels))
	for t := range a.channels {
		names = append(names, t.String())
	}
	a.mu.Unlock()
	slices.Sort(names)
	return names
}
