// Package core assembles a runnable application from plugins: it builds the
// entity module and composite registry, opens the configured entity store,
// and exports observability data.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"polygene/internal/unitofwork"
	"polygene/pkg/composite"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

const (
	defaultModuleName = "polygene"
	defaultAppVersion = "0.0.0"
)

// ErrNotActivated is returned by operations that need Activate to have run.
var ErrNotActivated = errors.New("runtime not activated")

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger, shared with units of work and composites.
func WithLogger(logger observe.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock sets the clock units of work read their current time from.
func WithClock(clock observe.Clock) Option {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMetricsRecorder records unit-of-work and composite operation outcomes.
func WithMetricsRecorder(recorder observe.MetricsRecorder) Option {
	return func(r *Runtime) {
		if recorder != nil {
			r.metrics = recorder
		}
	}
}

// WithTracer traces unit-of-work completion and composite invocations.
func WithTracer(tracer observe.Tracer) Option {
	return func(r *Runtime) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithModuleName names the entity module built at activation.
func WithModuleName(name string) Option {
	return func(r *Runtime) {
		if name != "" {
			r.moduleName = name
		}
	}
}

// WithApplicationVersion sets the version stamped on persisted state.
func WithApplicationVersion(version string) Option {
	return func(r *Runtime) {
		if version != "" {
			r.appVersion = version
		}
	}
}

// WithUnitOfWorkOptions passes extra options to the unit-of-work factory.
func WithUnitOfWorkOptions(opts ...unitofwork.Option) Option {
	return func(r *Runtime) { r.uowOpts = append(r.uowOpts, opts...) }
}

// Runtime binds installed plugins to an entity store. Plugins are installed
// first; Activate then freezes the module and composite registry.
type Runtime struct {
	store      entity.StoreSPI
	logger     observe.Logger
	clock      observe.Clock
	metrics    observe.MetricsRecorder
	tracer     observe.Tracer
	moduleName string
	appVersion string
	uowOpts    []unitofwork.Option

	mu        sync.RWMutex
	plugins   map[string]PluginMetadata
	registry  *PluginRegistry
	module    *entity.Module
	composite *composite.Registry
	factory   *unitofwork.Factory
}

// NewRuntime constructs a runtime over store.
func NewRuntime(store entity.StoreSPI, opts ...Option) *Runtime {
	r := &Runtime{
		store:      store,
		logger:     observe.NopLogger(),
		clock:      observe.SystemClock(),
		metrics:    observe.NopMetrics(),
		tracer:     observe.NopTracer(),
		moduleName: defaultModuleName,
		appVersion: defaultAppVersion,
		plugins:    make(map[string]PluginMetadata),
		registry:   NewPluginRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstallPlugin registers a plugin's entity types and assemblies.
func (r *Runtime) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, fmt.Errorf("plugin cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory != nil {
		return PluginMetadata{}, fmt.Errorf("install plugin %s: runtime already activated", plugin.Name())
	}
	if _, ok := r.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, fmt.Errorf("plugin %s already registered", plugin.Name())
	}

	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", plugin.Name(), err)
	}
	if err := r.registry.merge(registry); err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", plugin.Name(), err)
	}

	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	for _, d := range registry.Entities() {
		meta.Entities = append(meta.Entities, d.Type)
	}
	r.plugins[plugin.Name()] = meta
	r.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version, "entities", len(meta.Entities))
	return meta, nil
}

// RegisteredPlugins returns metadata of installed plugins sorted by name.
func (r *Runtime) RegisteredPlugins() []PluginMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(r.plugins))
	for _, meta := range r.plugins {
		meta.Entities = append([]string(nil), meta.Entities...)
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Activate builds the entity module and composite registry. It fails when
// called twice.
func (r *Runtime) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory != nil {
		return fmt.Errorf("activate: runtime already activated")
	}
	module, err := entity.NewModule(r.moduleName, r.appVersion, r.registry.Entities()...)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	assembler := composite.NewAssembler()
	for _, fn := range r.registry.assemblies {
		fn(assembler)
	}
	reg, err := assembler.Build()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	opts := append([]unitofwork.Option{
		unitofwork.WithClock(r.clock),
		unitofwork.WithLogger(r.logger),
		unitofwork.WithMetricsRecorder(r.metrics),
		unitofwork.WithTracer(r.tracer),
	}, r.uowOpts...)
	r.module = module
	r.composite = reg
	r.factory = unitofwork.NewFactory(r.store, module, opts...)
	r.logger.Info("runtime activated", "module", module.Name(), "version", module.Version(),
		"entity_types", len(module.Types()), "capabilities", len(reg.Capabilities()))
	return nil
}

// Module returns the activated entity module.
func (r *Runtime) Module() (*entity.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.module == nil {
		return nil, ErrNotActivated
	}
	return r.module, nil
}

// Composites returns the activated composite registry.
func (r *Runtime) Composites() (*composite.Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.composite == nil {
		return nil, ErrNotActivated
	}
	return r.composite, nil
}

// NewUnitOfWork opens a unit of work for usecase.
func (r *Runtime) NewUnitOfWork(ctx context.Context, usecase string) (*unitofwork.UnitOfWork, error) {
	r.mu.RLock()
	factory := r.factory
	r.mu.RUnlock()
	if factory == nil {
		return nil, ErrNotActivated
	}
	return factory.NewUnitOfWork(ctx, usecase), nil
}

// NewComposite instantiates a composite of typeName with the runtime's
// observability attached.
func (r *Runtime) NewComposite(typeName string) (*composite.Composite, error) {
	reg, err := r.Composites()
	if err != nil {
		return nil, err
	}
	return reg.New(typeName,
		composite.WithLogger(r.logger),
		composite.WithTracer(r.tracer),
		composite.WithMetricsRecorder(r.metrics),
	)
}
