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

package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/deep-rent/weave/di"
	"github.com/deep-rent/weave/event"
	"github.com/deep-rent/weave/log"
	"golang.org/x/mod/semver"
)

type entry struct {
	info  Info
	deps  []dependency
	state State
	err   error
}

type config struct {
	logger *slog.Logger
	bus    *event.Aggregator
}

// Option configures a Manager.
type Option func(*config)

// WithLogger sets the logger of the manager. A nil value is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAggregator makes the manager publish Loaded and Unloaded events on
// the given bus.
func WithAggregator(bus *event.Aggregator) Option {
	return func(c *config) {
		c.bus = bus
	}
}

// Manager loads and unloads modules in dependency order. Its methods are
// safe for concurrent use, but module callbacks must not call back into the
// same Manager.
type Manager struct {
	container *di.Container
	logger    *slog.Logger
	bus       *event.Aggregator

	mu      sync.Mutex
	entries map[string]*entry
	names   []string // in order of addition
	order   []string // in order of loading
}

// NewManager creates a Manager that registers modules into c.
func NewManager(c *di.Container, opts ...Option) *Manager {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		container: c,
		logger:    cfg.logger,
		bus:       cfg.bus,
		entries:   make(map[string]*entry),
	}
}

// Add makes modules known to the manager without loading them. It fails,
// without adding anything, if any of the infos is invalid or its name is
// taken.
func (m *Manager) Add(infos ...Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := make(map[string]*entry, len(infos))
	for _, info := range infos {
		e, err := newEntry(info)
		if err != nil {
			return err
		}
		if _, ok := m.entries[info.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateModule, info.Name)
		}
		if _, ok := added[info.Name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateModule, info.Name)
		}
		added[info.Name] = e
	}
	for _, info := range infos {
		m.entries[info.Name] = added[info.Name]
		m.names = append(m.names, info.Name)
	}
	return nil
}

func newEntry(info Info) (*entry, error) {
	if strings.TrimSpace(info.Name) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidModule)
	}
	if info.Module == nil {
		return nil, fmt.Errorf("%w: %q has no implementation", ErrInvalidModule, info.Name)
	}
	if info.Version != "" && !semver.IsValid(normalize(info.Version)) {
		return nil, fmt.Errorf("%w: %q has invalid version %q", ErrInvalidModule, info.Name, info.Version)
	}
	e := &entry{info: info}
	for _, s := range info.DependsOn {
		d, err := parseDependency(s)
		if err != nil {
			return nil, err
		}
		e.deps = append(e.deps, d)
	}
	return e, nil
}

// LoadAll loads every module that is not on demand, in the order they were
// added, each preceded by its dependencies. It stops at the first failure.
func (m *Manager) LoadAll() error {
	loaded, err := m.loadAll()
	m.announce(loaded)
	return err
}

func (m *Manager) loadAll() (loaded []*entry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.names {
		if m.entries[name].info.OnDemand {
			continue
		}
		if err = m.load(name, &loaded); err != nil {
			break
		}
	}
	return loaded, err
}

// Load loads the named module and its dependencies. Loading a module that
// is already initialized is a no-op; a failed module is retried.
func (m *Manager) Load(name string) error {
	var loaded []*entry
	err := m.locked(func() error { return m.load(name, &loaded) })
	m.announce(loaded)
	return err
}

// locked runs fn while holding the manager lock.
func (m *Manager) locked(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *Manager) load(name string, loaded *[]*entry) error {
	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	switch e.state {
	case Initialized:
		return nil
	case Loading:
		return fmt.Errorf("%w: %q", ErrDependencyCycle, name)
	}

	e.state = Loading
	fail := func(err error) error {
		e.state, e.err = Failed, err
		m.logger.Error("Module failed to load",
			slog.String("module", name),
			log.Error(err),
		)
		return err
	}

	for _, d := range e.deps {
		dep, ok := m.entries[d.name]
		if !ok {
			return fail(fmt.Errorf("module %q depends on %w: %q", name, ErrUnknownModule, d.name))
		}
		if !d.satisfies(dep.info.Version) {
			return fail(fmt.Errorf("%w: %q requires %q at %s, found %q",
				ErrVersionMismatch, name, d.name, d.version, dep.info.Version))
		}
		if err := m.load(d.name, loaded); err != nil {
			return fail(fmt.Errorf("module %q: %w", name, err))
		}
	}
	if err := protect(func() error {
		return e.info.Module.RegisterTypes(m.container)
	}); err != nil {
		return fail(fmt.Errorf("module %q: register types: %w", name, err))
	}
	if err := protect(func() error {
		return e.info.Module.OnInitialized(m.container)
	}); err != nil {
		return fail(fmt.Errorf("module %q: initialize: %w", name, err))
	}

	e.state, e.err = Initialized, nil
	m.order = append(m.order, name)
	*loaded = append(*loaded, e)
	m.logger.Info("Module loaded",
		slog.String("module", name),
		slog.String("version", e.info.Version),
	)
	return nil
}

// Unload shuts the named module down and marks it as not loaded. It fails
// with ErrHasDependents while a loaded module depends on it. Unloading a
// module that is not loaded is a no-op.
func (m *Manager) Unload(name string) error {
	var ok bool
	err := m.locked(func() (err error) {
		ok, err = m.unload(name)
		return err
	})
	if ok {
		m.publish(Unloaded{Name: name})
	}
	return err
}

func (m *Manager) unload(name string) (bool, error) {
	e, ok := m.entries[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	if e.state != Initialized {
		return false, nil
	}
	var dependents []string
	for _, other := range m.order {
		if other == name {
			continue
		}
		for _, d := range m.entries[other].deps {
			if d.name == name {
				dependents = append(dependents, other)
			}
		}
	}
	if len(dependents) > 0 {
		return false, fmt.Errorf("%w: %q is required by %s",
			ErrHasDependents, name, strings.Join(dependents, ", "))
	}

	err := protect(func() error {
		switch mod := e.info.Module.(type) {
		case Shutdowner:
			return mod.Shutdown(m.container)
		case io.Closer:
			return mod.Close()
		}
		return nil
	})
	e.state, e.err = NotLoaded, nil
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	if err != nil {
		err = fmt.Errorf("module %q: shutdown: %w", name, err)
		m.logger.Error("Module shutdown failed",
			slog.String("module", name),
			log.Error(err),
		)
	} else {
		m.logger.Info("Module unloaded", slog.String("module", name))
	}
	return true, err
}

// UnloadAll unloads every loaded module in reverse load order. Shutdown
// errors are joined; the remaining modules are unloaded regardless.
func (m *Manager) UnloadAll() error {
	unloaded, err := m.unloadAll()
	for _, name := range unloaded {
		m.publish(Unloaded{Name: name})
	}
	return err
}

func (m *Manager) unloadAll() (unloaded []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range slices.Backward(slices.Clone(m.order)) {
		ok, err := m.unload(name)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			unloaded = append(unloaded, name)
		}
	}
	return unloaded, errors.Join(errs...)
}

// IsLoaded reports whether the named module is initialized.
func (m *Manager) IsLoaded(name string) bool {
	return m.State(name) == Initialized
}

// State returns the state of the named module. Unknown modules are
// NotLoaded.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return e.state
	}
	return NotLoaded
}

// Err returns the error of the last failed load of the named module.
func (m *Manager) Err(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return e.err
	}
	return nil
}

// Loaded returns the names of all initialized modules in load order.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Modules returns the infos of all known modules in order of addition.
func (m *Manager) Modules() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, len(m.names))
	for i, name := range m.names {
		infos[i] = m.entries[name].info
	}
	return infos
}

func (m *Manager) announce(loaded []*entry) {
	for _, e := range loaded {
		m.publish(Loaded{Name: e.info.Name, Version: e.info.Version})
	}
}

func (m *Manager) publish(payload any) {
	if m.bus == nil {
		return
	}
	ctx := context.Background()
	switch p := payload.(type) {
	case Loaded:
		event.GetEvent[Loaded](m.bus).Publish(ctx, p)
	case Unloaded:
		event.GetEvent[Unloaded](m.bus).Publish(ctx, p)
	}
}

// protect calls a module callback and turns a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModulePanic, r)
		}
	}()
	return fn()
}
