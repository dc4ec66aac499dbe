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

// Package module groups registrations into loadable units.
//
// A Module registers its services into a di.Container and is initialized
// once all of its dependencies are loaded. The Manager resolves the load
// order from the declared dependencies, which may carry a minimum semantic
// version:
//
//	m := module.NewManager(container)
//	_ = m.Add(
//		module.Info{Name: "storage", Version: "1.4.0", Module: storage},
//		module.Info{Name: "orders", Module: orders, DependsOn: []string{"storage@v1.2.0"}},
//	)
//	err := m.LoadAll()
package module

import (
	"errors"
	"fmt"
	"strings"

	"github.com/deep-rent/weave/di"
	"golang.org/x/mod/semver"
)

// Module is a unit of registrations.
type Module interface {
	// RegisterTypes adds the services of the module to the container.
	RegisterTypes(c *di.Container) error
	// OnInitialized is called after RegisterTypes has succeeded for the
	// module and all of its dependencies.
	OnInitialized(r di.Resolver) error
}

// Shutdowner is implemented by modules that release resources on unload.
type Shutdowner interface {
	Shutdown(c *di.Container) error
}

// Info describes a module to the Manager.
type Info struct {
	// Name identifies the module. It must be unique within a Manager.
	Name string
	// Version is an optional semantic version, with or without a leading v.
	Version string
	Module  Module
	// DependsOn lists the names of the modules that must be loaded first.
	// An entry of the form "name@v1.2.0" also requires that dependency to
	// have at least the given version.
	DependsOn []string
	// OnDemand modules are skipped by LoadAll unless another module
	// depends on them.
	OnDemand bool
}

// State is the lifecycle state of a module.
type State uint8

const (
	NotLoaded State = iota
	Loading
	Initialized
	Failed
)

// String returns a lower camelCase name of the state.
func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Initialized:
		return "initialized"
	case Failed:
		return "failed"
	default:
		return "notLoaded"
	}
}

// Loaded is published on the event bus after a module was initialized.
type Loaded struct {
	Name    string
	Version string
}

// Unloaded is published on the event bus after a module was unloaded.
type Unloaded struct {
	Name string
}

var (
	ErrUnknownModule   = errors.New("unknown module")
	ErrDuplicateModule = errors.New("duplicate module")
	ErrInvalidModule   = errors.New("invalid module")
	ErrDependencyCycle = errors.New("module dependency cycle")
	ErrVersionMismatch = errors.New("module version mismatch")
	ErrHasDependents   = errors.New("module has loaded dependents")
	ErrModulePanic     = errors.New("module panicked")
)

// dependency is a parsed DependsOn entry.
type dependency struct {
	name    string
	version string // canonical, empty if unconstrained
}

func parseDependency(s string) (dependency, error) {
	name, version, found := strings.Cut(s, "@")
	name = strings.TrimSpace(name)
	if name == "" {
		return dependency{}, fmt.Errorf("%w: empty dependency name in %q", ErrInvalidModule, s)
	}
	if !found {
		return dependency{name: name}, nil
	}
	v := normalize(strings.TrimSpace(version))
	if !semver.IsValid(v) {
		return dependency{}, fmt.Errorf("%w: invalid version in dependency %q", ErrInvalidModule, s)
	}
	return dependency{name: name, version: semver.Canonical(v)}, nil
}

// satisfies reports whether version meets the minimum version of d.
func (d dependency) satisfies(version string) bool {
	if d.version == "" {
		return true
	}
	v := normalize(version)
	return semver.IsValid(v) && semver.Compare(v, d.version) >= 0
}

// normalize ensures the version string has a "v" prefix, as required by
// the semver package.
func normalize(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
