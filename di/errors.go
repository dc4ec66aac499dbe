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
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Sentinel errors. Every typed error in this package matches exactly one of
// them through errors.Is.
var (
	ErrNotRegistered       = errors.New("service not registered")
	ErrScopeRequired       = errors.New("scoped service resolved outside of a scope")
	ErrUnresolvable        = errors.New("unresolvable dependency")
	ErrCircularDependency  = errors.New("circular dependency")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrConstruction        = errors.New("construction failed")
	ErrScopeClosed         = errors.New("scope closed")
	ErrContainerClosed     = errors.New("container closed")
)

// NotRegisteredError is returned when no descriptor exists for a key.
type NotRegisteredError struct {
	Key Key
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no service registered for %v", e.Key)
}

func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// ScopeError is returned when a Scoped service is requested from the root
// container, or from a singleton that is being built.
type ScopeError struct {
	Key Key
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scoped service %v cannot be resolved from the root container", e.Key)
}

func (e *ScopeError) Is(target error) bool {
	return target == ErrScopeRequired
}

// CircularDependencyError is returned when a service transitively depends
// on itself. Chain lists the keys in resolution order, ending with the key
// that closed the cycle.
type CircularDependencyError struct {
	Chain []Key
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency detected: " + formatChain(e.Chain)
}

func (e *CircularDependencyError) Is(target error) bool {
	return target == ErrCircularDependency
}

// DependencyError is returned when a constructor parameter cannot be
// satisfied. Err is nil if no resolution strategy applied to the parameter
// type; otherwise it holds the failure of the registered dependency.
type DependencyError struct {
	Implementation reflect.Type
	Index          int
	Parameter      reflect.Type
	Chain          []Key
	Err            error
}

func (e *DependencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot resolve parameter %d (%v) of %v",
		e.Index, e.Parameter, e.Implementation)
	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " [%s]", formatChain(e.Chain))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DependencyError) Is(target error) bool {
	return target == ErrUnresolvable
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// RegistrationError is returned when a registration is malformed, for
// example if the implementation cannot be assigned to the service type.
type RegistrationError struct {
	Key    Key
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("invalid registration for %v: %s", e.Key, e.Reason)
}

func (e *RegistrationError) Is(target error) bool {
	return target == ErrInvalidRegistration
}

// ConstructionError wraps an error returned by a constructor, or a panic
// raised inside of it.
type ConstructionError struct {
	Key Key
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("failed to construct %v: %v", e.Key, e.Err)
}

func (e *ConstructionError) Is(target error) bool {
	return target == ErrConstruction
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

func formatChain(chain []Key) string {
	parts := make([]string, len(chain))
	for i, k := range chain {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}
