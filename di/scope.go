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

package di

import (
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Scope is a bounded resolution context. It resolves Scoped services into
// its own cache and forwards everything else to the root container. Two
// scopes never share a Scoped instance. A Scope is safe for concurrent use.
type Scope struct {
	root  *Container
	group singleflight.Group

	mu        sync.Mutex
	instances map[*Descriptor]any
	order     []any
	closed    bool
}

// Resolve implements the Resolver interface.
func (s *Scope) Resolve(t reflect.Type) (any, error) {
	return s.ResolveNamed(t, "")
}

// ResolveNamed implements the Resolver interface.
func (s *Scope) ResolveNamed(t reflect.Type, name string) (any, error) {
	if s.isClosed() {
		return nil, ErrScopeClosed
	}
	return s.root.resolve(s, Key{Type: t, Name: name}, nil)
}

// Container returns the root container of the scope.
func (s *Scope) Container() *Container { return s.root }

// Close closes every Scoped instance that implements io.Closer, in reverse
// creation order, and clears the cache. Errors are joined. Later
// resolutions fail with ErrScopeClosed. Calling Close more than once is a
// no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	order := s.order
	s.order = nil
	clear(s.instances)
	s.mu.Unlock()
	return closeAll(order)
}

func (s *Scope) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scope) cached(d *Descriptor) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrScopeClosed
	}
	v, ok := s.instances[d]
	return v, ok, nil
}

// scoped returns the instance of d owned by this scope, building it once.
func (s *Scope) scoped(d *Descriptor, chain []Key) (any, error) {
	if v, ok, err := s.cached(d); err != nil || ok {
		return v, err
	}
	built := false
	v, err, _ := s.group.Do(fmt.Sprintf("%p", d), func() (any, error) {
		if v, ok, err := s.cached(d); err != nil || ok {
			return v, err
		}
		v, err := s.root.build(s, d, chain)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = closeAll([]any{v})
			return nil, ErrScopeClosed
		}
		s.instances[d] = v
		s.order = append(s.order, v)
		s.mu.Unlock()
		built = true
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if built && d.post != nil {
		d.post(v)
	}
	return v, nil
}

var _ Resolver = (*Scope)(nil)
