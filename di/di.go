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

// Package di provides a service container that builds object graphs by
// constructor injection.
//
// Services are registered under a Key, that is, a type plus an optional
// name, together with a Lifetime and an implementation. An implementation
// is a constructor function whose parameters are themselves resolved from
// the container, a Candidates set of which the constructor with the most
// parameters is used, or a struct type that is constructed by default.
//
// # Usage
//
//	c := di.New()
//	_ = di.AddSingleton[Logger](c, NewConsoleLogger)
//	_ = di.AddTransient[*Greeter](c, func(l Logger) *Greeter {
//		return &Greeter{log: l}
//	})
//
//	g, err := di.Resolve[*Greeter](c)
//
// Scoped services only exist inside a Scope:
//
//	s := c.CreateScope()
//	defer s.Close()
//	tx, err := di.Resolve[*Tx](s)
//
// # Parameters
//
// A constructor parameter is satisfied, in order, by the Resolver that is
// performing the resolution (for parameters of type Resolver), by the
// default registration of the exact parameter type, or by default
// construction if the parameter is a struct or a pointer to a struct.
// Otherwise resolution fails with a *DependencyError.
package di

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Resolver resolves services by type. It is implemented by *Container and
// *Scope, and a constructor that declares a parameter of type Resolver
// receives the resolver building it.
type Resolver interface {
	// Resolve returns the default registration of type t.
	Resolve(t reflect.Type) (any, error)
	// ResolveNamed returns the registration of type t under name.
	ResolveNamed(t reflect.Type, name string) (any, error)
}

// Observer is notified about resolutions and constructions. It must be safe
// for concurrent use.
type Observer interface {
	// Resolved is called once per resolution attempt, including nested ones.
	Resolved(key Key, err error)
	// Constructed is called whenever a new instance was built.
	Constructed(key Key, lifetime Lifetime)
}

type nopObserver struct{}

func (nopObserver) Resolved(Key, error)       {}
func (nopObserver) Constructed(Key, Lifetime) {}

type config struct {
	logger   *slog.Logger
	observer Observer
}

// Option configures a Container.
type Option func(*config)

// WithLogger sets the logger of the container. Registrations and resets are
// logged at debug level. A nil value is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
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

// Container is the root of a service graph. It owns the descriptor table
// and the singleton instances. A Container is safe for concurrent use.
type Container struct {
	logger   *slog.Logger
	observer Observer

	mu          sync.RWMutex
	descriptors map[Key]*Descriptor

	group  singleflight.Group
	closed atomic.Bool

	builtMu sync.Mutex
	built   []any // constructed singletons in construction order
}

// New creates an empty Container.
func New(opts ...Option) *Container {
	cfg := config{
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Container{
		logger:      cfg.logger,
		observer:    cfg.observer,
		descriptors: make(map[Key]*Descriptor),
	}
}

// Register adds the registration r, replacing any descriptor previously
// registered under the same key.
func (c *Container) Register(r Registration) error {
	if c.closed.Load() {
		return ErrContainerClosed
	}
	d, err := newDescriptor(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, replaced := c.descriptors[d.key]
	c.descriptors[d.key] = d
	c.mu.Unlock()

	msg := "Service registered"
	if replaced {
		msg = "Service registration replaced"
	}
	c.logger.Debug(msg,
		slog.String("service", d.key.String()),
		slog.String("lifetime", d.lifetime.String()),
		slog.String("implementation", d.impl.String()),
	)
	return nil
}

// RegisterAll registers every entry of rs in order. It stops at the first
// invalid entry; entries before it stay registered.
func (c *Container) RegisterAll(rs []Registration) error {
	for i, r := range rs {
		if err := c.Register(r); err != nil {
			return fmt.Errorf("registration %d: %w", i, err)
		}
	}
	return nil
}

func (c *Container) register(
	lifetime Lifetime,
	service reflect.Type,
	impl any,
	opts []RegisterOption,
) error {
	r := Registration{
		Service:        service,
		Implementation: impl,
		Lifetime:       lifetime,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return c.Register(r)
}

// RegisterTransient registers impl as a Transient implementation of service.
func (c *Container) RegisterTransient(service reflect.Type, impl any, opts ...RegisterOption) error {
	return c.register(Transient, service, impl, opts)
}

// RegisterScoped registers impl as a Scoped implementation of service.
func (c *Container) RegisterScoped(service reflect.Type, impl any, opts ...RegisterOption) error {
	return c.register(Scoped, service, impl, opts)
}

// RegisterSingleton registers impl as a Singleton implementation of service.
func (c *Container) RegisterSingleton(service reflect.Type, impl any, opts ...RegisterOption) error {
	return c.register(Singleton, service, impl, opts)
}

// RegisterInstance registers a pre-built instance of service. The instance
// is returned as is and never constructed, reset or closed by the container.
func (c *Container) RegisterInstance(service reflect.Type, instance any, opts ...RegisterOption) error {
	if instance == nil {
		return &RegistrationError{Key: Key{Type: service}, Reason: "instance is nil"}
	}
	r := Registration{Service: service, Instance: instance}
	for _, opt := range opts {
		opt(&r)
	}
	return c.Register(r)
}

// Resolve implements the Resolver interface.
func (c *Container) Resolve(t reflect.Type) (any, error) {
	return c.resolve(nil, Key{Type: t}, nil)
}

// ResolveNamed implements the Resolver interface.
func (c *Container) ResolveNamed(t reflect.Type, name string) (any, error) {
	return c.resolve(nil, Key{Type: t, Name: name}, nil)
}

// TryResolve is like Resolve but reports failure as false instead of an
// error.
func (c *Container) TryResolve(t reflect.Type) (any, bool) {
	v, err := c.Resolve(t)
	return v, err == nil
}

// IsRegistered reports whether a descriptor exists for the given type and
// name.
func (c *Container) IsRegistered(t reflect.Type, name string) bool {
	return c.lookup(Key{Type: t, Name: name}) != nil
}

// Descriptors returns a snapshot of all descriptors, sorted by key.
func (c *Container) Descriptors() []*Descriptor {
	c.mu.RLock()
	ds := make([]*Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		ds = append(ds, d)
	}
	c.mu.RUnlock()
	slices.SortFunc(ds, func(a, b *Descriptor) int {
		return cmp.Compare(a.key.String(), b.key.String())
	})
	return ds
}

// CreateScope returns a new Scope that shares the descriptors of c but owns
// its own Scoped instances.
func (c *Container) CreateScope() *Scope {
	return &Scope{
		root:      c,
		instances: make(map[*Descriptor]any),
	}
}

// ResetService clears the cached instance of the default Singleton
// registration of t, so that the next resolution builds a new one. It is a
// no-op for other lifetimes and for instance registrations.
func (c *Container) ResetService(t reflect.Type) error {
	return c.ResetNamedService(t, "")
}

// ResetNamedService is like ResetService for a named registration.
func (c *Container) ResetNamedService(t reflect.Type, name string) error {
	key := Key{Type: t, Name: name}
	d := c.lookup(key)
	if d == nil {
		return &NotRegisteredError{Key: key}
	}
	c.reset(d)
	return nil
}

// ResetServiceByName resets every registration with the given name,
// regardless of its type.
func (c *Container) ResetServiceByName(name string) error {
	c.mu.RLock()
	var ds []*Descriptor
	for k, d := range c.descriptors {
		if k.Name == name {
			ds = append(ds, d)
		}
	}
	c.mu.RUnlock()
	if len(ds) == 0 {
		return &NotRegisteredError{Key: Key{Name: name}}
	}
	for _, d := range ds {
		c.reset(d)
	}
	return nil
}

func (c *Container) reset(d *Descriptor) {
	if d.fixed || d.lifetime != Singleton {
		return
	}
	d.reset()
	c.logger.Debug("Service reset", slog.String("service", d.key.String()))
}

// Close closes every constructed singleton that implements io.Closer, in
// reverse construction order, and rejects further use of the container.
// Errors are joined. Scopes must be closed separately.
func (c *Container) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.builtMu.Lock()
	built := c.built
	c.built = nil
	c.builtMu.Unlock()
	return closeAll(built)
}

func (c *Container) lookup(key Key) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descriptors[key]
}

// resolve is the recursive core of every resolution. s is nil when
// resolving against the root container. chain holds the keys currently
// being resolved by this call path.
func (c *Container) resolve(s *Scope, key Key, chain []Key) (v any, err error) {
	defer func() { c.observer.Resolved(key, err) }()

	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	if slices.Contains(chain, key) {
		return nil, &CircularDependencyError{Chain: append(slices.Clone(chain), key)}
	}
	d := c.lookup(key)
	if d == nil {
		return nil, &NotRegisteredError{Key: key}
	}
	if d.fixed {
		return d.instance, nil
	}
	chain = append(chain[:len(chain):len(chain)], key)

	switch d.lifetime {
	case Singleton:
		return c.singleton(d, chain)
	case Scoped:
		if s == nil {
			return nil, &ScopeError{Key: key}
		}
		return s.scoped(d, chain)
	default:
		v, err := c.build(s, d, chain)
		if err != nil {
			return nil, err
		}
		if d.post != nil {
			d.post(v)
		}
		return v, nil
	}
}

// singleton returns the cached instance of d or builds it exactly once.
// Dependencies of singletons always resolve against the root, so a
// singleton never captures a scoped instance.
func (c *Container) singleton(d *Descriptor, chain []Key) (any, error) {
	v, gen, ok := d.load()
	if ok {
		return v, nil
	}
	built := false
	v, err, _ := c.group.Do(fmt.Sprintf("%p/%d", d, gen), func() (any, error) {
		if v, _, ok := d.load(); ok {
			return v, nil
		}
		v, err := c.build(nil, d, chain)
		if err != nil {
			return nil, err
		}
		if d.store(v, gen) {
			c.builtMu.Lock()
			c.built = append(c.built, v)
			c.builtMu.Unlock()
		}
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

// build constructs a new instance of d.
func (c *Container) build(s *Scope, d *Descriptor, chain []Key) (any, error) {
	if d.ctor == nil {
		v, _ := construct(d.impl)
		c.observer.Constructed(d.key, d.lifetime)
		return v.Interface(), nil
	}
	args := make([]reflect.Value, len(d.ctor.in))
	for i, pt := range d.ctor.in {
		arg, err := c.argument(s, d, i, pt, chain)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}
	v, err := d.ctor.call(args)
	if err != nil {
		return nil, &ConstructionError{Key: d.key, Err: err}
	}
	c.observer.Constructed(d.key, d.lifetime)
	return v, nil
}

// argument resolves parameter i of the constructor of d.
func (c *Container) argument(
	s *Scope,
	d *Descriptor,
	i int,
	pt reflect.Type,
	chain []Key,
) (reflect.Value, error) {
	if pt == resolverType {
		return reflect.ValueOf(&link{root: c, scope: s, chain: chain}), nil
	}
	key := Key{Type: pt}
	if c.lookup(key) != nil {
		v, err := c.resolve(s, key, chain)
		if err != nil {
			return reflect.Value{}, &DependencyError{
				Implementation: d.impl,
				Index:          i,
				Parameter:      pt,
				Chain:          chain,
				Err:            err,
			}
		}
		if v == nil {
			return reflect.Zero(pt), nil
		}
		return reflect.ValueOf(v), nil
	}
	if v, ok := construct(pt); ok {
		return v, nil
	}
	return reflect.Value{}, &DependencyError{
		Implementation: d.impl,
		Index:          i,
		Parameter:      pt,
		Chain:          chain,
	}
}

// link is the Resolver handed to constructors. It carries the resolution
// chain so that cycles through explicit Resolve calls are detected as well.
type link struct {
	root  *Container
	scope *Scope
	chain []Key
}

func (l *link) Resolve(t reflect.Type) (any, error) {
	return l.root.resolve(l.scope, Key{Type: t}, l.chain)
}

func (l *link) ResolveNamed(t reflect.Type, name string) (any, error) {
	return l.root.resolve(l.scope, Key{Type: t, Name: name}, l.chain)
}

// closeAll closes every io.Closer in vs, last one first.
func closeAll(vs []any) error {
	var errs []error
	for _, v := range slices.Backward(vs) {
		if cl, ok := v.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var (
	_ Resolver = (*Container)(nil)
	_ Resolver = (*link)(nil)
)
