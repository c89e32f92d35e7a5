// Package unitofwork implements the transactional scope through which entity
// state is created, loaded, mutated, and removed, then committed atomically to
// an entity store or discarded.
package unitofwork

import (
	"context"

	"github.com/google/uuid"

	"polygene/internal/concurrency"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

// Option configures a Factory.
type Option func(*Factory)

// WithClock sets the clock that fixes each unit's current time at creation.
func WithClock(clock observe.Clock) Option {
	return func(f *Factory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithLogger sets the logger used by units of work and the concurrency guard.
func WithLogger(logger observe.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetricsRecorder records completion and discard outcomes.
func WithMetricsRecorder(recorder observe.MetricsRecorder) Option {
	return func(f *Factory) {
		if recorder != nil {
			f.metrics = recorder
		}
	}
}

// WithTracer traces completions.
func WithTracer(tracer observe.Tracer) Option {
	return func(f *Factory) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// WithIdentityGenerator replaces the UUID generator used for unit-of-work and
// entity identities.
func WithIdentityGenerator(gen func() string) Option {
	return func(f *Factory) {
		if gen != nil {
			f.newID = gen
		}
	}
}

// WithoutConcurrencyGuard hands batches to the store unchecked. The store's own
// commit validation still applies.
func WithoutConcurrencyGuard() Option {
	return func(f *Factory) { f.unguarded = true }
}

// Factory creates units of work bound to one store and module.
type Factory struct {
	store     entity.StoreSPI
	module    *entity.Module
	clock     observe.Clock
	logger    observe.Logger
	metrics   observe.MetricsRecorder
	tracer    observe.Tracer
	newID     func() string
	unguarded bool
}

// NewFactory wraps store in the concurrency guard and returns a factory.
func NewFactory(store entity.StoreSPI, module *entity.Module, opts ...Option) *Factory {
	f := &Factory{
		store:   store,
		module:  module,
		clock:   observe.SystemClock(),
		logger:  observe.NopLogger(),
		metrics: observe.NopMetrics(),
		tracer:  observe.NopTracer(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.unguarded {
		f.store = concurrency.NewGuard(store, concurrency.WithLogger(f.logger))
	}
	return f
}

// Module returns the module whose entity types units may use.
func (f *Factory) Module() *entity.Module { return f.module }

// Store returns the store units commit to, guarded unless disabled.
func (f *Factory) Store() entity.StoreSPI { return f.store }

// NewUnitOfWork opens a unit of work for the named usecase.
func (f *Factory) NewUnitOfWork(_ context.Context, usecase string) *UnitOfWork {
	u := &UnitOfWork{
		factory: f,
		id:      f.newID(),
		usecase: usecase,
		now:     f.clock.Now(),
		status:  StatusOpen,
		cache:   make(map[entity.Identity]*entity.State),
		created: make(map[entity.Identity]struct{}),
	}
	f.logger.Debug("unit of work opened", "unit_of_work", u.id, "usecase", usecase)
	return u
}

type contextKey struct{}

// NewContext returns a context carrying uow.
func NewContext(ctx context.Context, uow *UnitOfWork) context.Context {
	return context.WithValue(ctx, contextKey{}, uow)
}

// FromContext returns the unit of work carried by ctx.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(contextKey{}).(*UnitOfWork)
	return u, ok && u != nil
}
