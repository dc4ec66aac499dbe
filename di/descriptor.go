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
)

// Lifetime determines how long a resolved instance is reused.
type Lifetime uint8

const (
	// Transient services are constructed on every resolution.
	Transient Lifetime = iota
	// Scoped services are constructed once per Scope.
	Scoped
	// Singleton services are constructed once per Container.
	Singleton
)

// String returns the lower-case name of the lifetime.
func (l Lifetime) String() string {
	switch l {
	case Scoped:
		return "scoped"
	case Singleton:
		return "singleton"
	default:
		return "transient"
	}
}

// Key identifies a registration. An empty Name denotes the default
// registration of Type.
type Key struct {
	Type reflect.Type
	Name string
}

// String renders the key as "type" or "type(name)".
func (k Key) String() string {
	t := "<nil>"
	if k.Type != nil {
		t = k.Type.String()
	}
	if k.Name == "" {
		return t
	}
	return t + "(" + k.Name + ")"
}

// Candidates is a set of constructor functions for one implementation. The
// candidate with the most parameters is used; ties go to the candidate
// listed first.
type Candidates []any

// Constructors groups several constructor functions into Candidates.
func Constructors(fns ...any) Candidates {
	return Candidates(fns)
}

var (
	errorType    = reflect.TypeFor[error]()
	resolverType = reflect.TypeFor[Resolver]()
)

// constructor is a parsed constructor function.
type constructor struct {
	fn   reflect.Value
	in   []reflect.Type
	out  reflect.Type
	fail bool // second return value is an error
}

func parseConstructor(fn any) (*constructor, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("constructor must be a non-nil function, got %T", fn)
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("constructor %v must not be variadic", t)
	}
	c := &constructor{fn: v}
	switch t.NumOut() {
	case 1:
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("second result of constructor %v must be an error", t)
		}
		c.fail = true
	default:
		return nil, fmt.Errorf("constructor %v must return (T) or (T, error)", t)
	}
	c.out = t.Out(0)
	c.in = make([]reflect.Type, t.NumIn())
	for i := range c.in {
		c.in[i] = t.In(i)
	}
	return c, nil
}

// call invokes the constructor, converting a panic into an error.
func (c *constructor) call(args []reflect.Value) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("panic during constructor call: %v", r)
		}
	}()
	out := c.fn.Call(args)
	if c.fail && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}

// construct builds the zero value of a struct type, or a pointer to a fresh
// zero struct. It reports false for every other kind of type.
func construct(t reflect.Type) (reflect.Value, bool) {
	switch {
	case t.Kind() == reflect.Struct:
		return reflect.New(t).Elem(), true
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		return reflect.New(t.Elem()), true
	default:
		return reflect.Value{}, false
	}
}

// Descriptor is the registration record of one service key. Apart from the
// singleton cache, a Descriptor is immutable once registered.
type Descriptor struct {
	key      Key
	lifetime Lifetime
	impl     reflect.Type
	ctor     *constructor // nil for default construction
	instance any
	fixed    bool // instance is set
	post     func(any)

	mu     sync.Mutex
	gen    uint64
	cached any
	filled bool
}

// Key returns the service key.
func (d *Descriptor) Key() Key { return d.key }

// Lifetime returns the service lifetime. Instance registrations are
// singletons.
func (d *Descriptor) Lifetime() Lifetime { return d.lifetime }

// Implementation returns the concrete type produced by the descriptor.
func (d *Descriptor) Implementation() reflect.Type { return d.impl }

// HasInstance reports whether the descriptor holds a pre-built instance.
func (d *Descriptor) HasInstance() bool { return d.fixed }

// Arity returns the number of parameters of the selected constructor.
func (d *Descriptor) Arity() int {
	if d.ctor == nil {
		return 0
	}
	return len(d.ctor.in)
}

func (d *Descriptor) load() (v any, gen uint64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached, d.gen, d.filled
}

// store caches v unless the descriptor was reset after generation gen was
// observed.
func (d *Descriptor) store(v any, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return false
	}
	d.cached, d.filled = v, true
	return true
}

func (d *Descriptor) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.cached, d.filled = nil, false
}

// Registration is a declarative registration record, such as the entries
// of a generated registration table.
type Registration struct {
	// Service is the type under which the registration is resolved.
	Service reflect.Type
	// Implementation is a constructor function, a Candidates set, or a
	// reflect.Type to construct by default. If nil, Service itself is
	// constructed by default.
	Implementation any
	// Instance, if non-nil, registers a pre-built instance. Implementation
	// and Lifetime are ignored in that case.
	Instance any
	Lifetime Lifetime
	Name     string
	// PostConstruct is invoked with every freshly constructed instance.
	PostConstruct func(any)
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*Registration)

// Named registers the service under the given name instead of as the
// default registration of its type.
func Named(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// OnConstructed sets a callback that receives every freshly constructed
// instance. For singletons it runs once per construction, that is, once
// until the service is reset.
func OnConstructed(fn func(any)) RegisterOption {
	return func(r *Registration) {
		r.PostConstruct = fn
	}
}

// newDescriptor validates r and turns it into a Descriptor.
func newDescriptor(r Registration) (*Descriptor, error) {
	key := Key{Type: r.Service, Name: r.Name}
	invalid := func(format string, args ...any) error {
		return &RegistrationError{Key: key, Reason: fmt.Sprintf(format, args...)}
	}
	if r.Service == nil {
		return nil, invalid("service type is nil")
	}
	d := &Descriptor{
		key:      key,
		lifetime: r.Lifetime,
		post:     r.PostConstruct,
	}
	if r.Instance != nil {
		t := reflect.TypeOf(r.Instance)
		if !t.AssignableTo(r.Service) {
			return nil, invalid("instance of type %v is not assignable", t)
		}
		d.lifetime = Singleton
		d.impl = t
		d.instance = r.Instance
		d.fixed = true
		return d, nil
	}

	var fns []any
	switch impl := r.Implementation.(type) {
	case nil:
		d.impl = r.Service
	case reflect.Type:
		d.impl = impl
	case Candidates:
		if len(impl) == 0 {
			return nil, invalid("empty constructor set")
		}
		fns = impl
	default:
		fns = []any{impl}
	}

	if len(fns) == 0 {
		if !d.impl.AssignableTo(r.Service) {
			return nil, invalid("implementation %v is not assignable", d.impl)
		}
		if _, ok := construct(d.impl); !ok {
			return nil, invalid("implementation %v cannot be constructed without a constructor", d.impl)
		}
		return d, nil
	}

	for _, fn := range fns {
		c, err := parseConstructor(fn)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if !c.out.AssignableTo(r.Service) {
			return nil, invalid("constructor result %v is not assignable", c.out)
		}
		if d.ctor == nil || len(c.in) > len(d.ctor.in) {
			d.ctor = c
		}
	}
	d.impl = d.ctor.out
	return d, nil
}
