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
)

// TypeOf returns the reflect.Type of T. Unlike reflect.TypeOf it works for
// interface types as well.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// AddTransient registers impl as a Transient implementation of S.
func AddTransient[S any](c *Container, impl any, opts ...RegisterOption) error {
	return c.RegisterTransient(TypeOf[S](), impl, opts...)
}

// AddScoped registers impl as a Scoped implementation of S.
func AddScoped[S any](c *Container, impl any, opts ...RegisterOption) error {
	return c.RegisterScoped(TypeOf[S](), impl, opts...)
}

// AddSingleton registers impl as a Singleton implementation of S.
func AddSingleton[S any](c *Container, impl any, opts ...RegisterOption) error {
	return c.RegisterSingleton(TypeOf[S](), impl, opts...)
}

// AddInstance registers a pre-built instance of S.
func AddInstance[S any](c *Container, instance S, opts ...RegisterOption) error {
	return c.RegisterInstance(TypeOf[S](), instance, opts...)
}

// Resolve resolves the default registration of S from r.
func Resolve[S any](r Resolver) (S, error) {
	v, err := r.Resolve(TypeOf[S]())
	return cast[S](v, err)
}

// ResolveNamed resolves the registration of S under name from r.
func ResolveNamed[S any](r Resolver, name string) (S, error) {
	v, err := r.ResolveNamed(TypeOf[S](), name)
	return cast[S](v, err)
}

// MustResolve is like Resolve but panics on error. It is intended for
// wiring code where a missing service is a programming error.
func MustResolve[S any](r Resolver) S {
	s, err := Resolve[S](r)
	if err != nil {
		panic(err)
	}
	return s
}

func cast[S any](v any, err error) (S, error) {
	var zero S
	if err != nil || v == nil {
		return zero, err
	}
	s, ok := v.(S)
	if !ok {
		return zero, fmt.Errorf("resolved %T is not a %v", v, TypeOf[S]())
	}
	return s, nil
}
