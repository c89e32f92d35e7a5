package composite

import (
	"context"
	"sync"
	"time"

	"polygene/pkg/observe"
)

// Option configures a composite instance.
type Option func(*Composite)

// WithLogger sets the logger receiving swallowed observer errors.
func WithLogger(logger observe.Logger) Option {
	return func(c *Composite) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer starts one span per invocation, named capability.operation.
func WithTracer(tracer observe.Tracer) Option {
	return func(c *Composite) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMetricsRecorder observes the outcome and duration of every invocation.
func WithMetricsRecorder(recorder observe.MetricsRecorder) Option {
	return func(c *Composite) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// Composite is one instance of an assembled composite type. Fragments are
// instantiated lazily and at most once per instance; compiled chains are cached
// per (capability, operation).
type Composite struct {
	typeName string
	registry *Registry
	exposed  map[string]struct{}

	logger  observe.Logger
	tracer  observe.Tracer
	metrics observe.MetricsRecorder

	mu        sync.Mutex
	chains    map[chainKey]*boundChain
	fragments map[*fragmentSpec]any
}

var _ Handle = (*Composite)(nil)

// New instantiates a composite of the given type. Factories run on first use
// of an operation and must not invoke the composite they are handed.
func (r *Registry) New(typeName string, opts ...Option) (*Composite, error) {
	exposed, ok := r.composites[typeName]
	if !ok {
		return nil, &CapabilityDispatchError{Composite: typeName, Reason: "composite type not declared"}
	}
	c := &Composite{
		typeName:  typeName,
		registry:  r,
		exposed:   exposed,
		logger:    observe.NopLogger(),
		tracer:    observe.NopTracer(),
		metrics:   observe.NopMetrics(),
		chains:    make(map[chainKey]*boundChain),
		fragments: make(map[*fragmentSpec]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Type returns the composite type name.
func (c *Composite) Type() string { return c.typeName }

// Exposes reports whether the composite type exposes capability.
func (c *Composite) Exposes(capability string) bool {
	_, ok := c.exposed[capability]
	return ok
}

// Invoke dispatches an operation through its chain.
func (c *Composite) Invoke(ctx context.Context, capability, operation string, args ...any) (result any, err error) {
	chain, err := c.chain(capability, operation)
	if err != nil {
		return nil, err
	}
	op := capability + "." + operation
	ctx, span := c.tracer.Start(ctx, op)
	start := time.Now()
	defer func() {
		span.End(err)
		c.metrics.Observe(ctx, op, err == nil, time.Since(start))
	}()
	inv := &Invocation{Capability: capability, Operation: operation, Args: args, Self: c}
	return chain.invoke(ctx, inv)
}

func (c *Composite) chain(capability, operation string) (*boundChain, error) {
	key := chainKey{capability, operation}
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.chains[key]; ok {
		return bc, nil
	}
	if _, ok := c.exposed[capability]; !ok {
		return nil, &CapabilityDispatchError{Composite: c.typeName, Capability: capability, Operation: operation, Reason: "capability not exposed"}
	}
	model, ok := c.registry.Lookup(capability, operation)
	if !ok {
		return nil, &CapabilityDispatchError{Composite: c.typeName, Capability: capability, Operation: operation, Reason: "no primary implementation"}
	}
	bc := &boundChain{model: model, logger: c.logger}
	primary := c.fragment(model.primary).(Primary)
	wrappers := make([]Wrapper, len(model.wrappers))
	for i, spec := range model.wrappers {
		wrappers[i] = c.fragment(spec).(Wrapper)
	}
	bc.observers = make([]Observer, len(model.observers))
	for i, spec := range model.observers {
		bc.observers[i] = c.fragment(spec).(Observer)
	}
	bc.entry = compose(wrappers, primary)
	c.chains[key] = bc
	return bc, nil
}

// fragment returns the per-instance fragment for spec. Callers hold c.mu.
func (c *Composite) fragment(spec *fragmentSpec) any {
	if f, ok := c.fragments[spec]; ok {
		return f
	}
	var f any
	switch {
	case spec.primary != nil:
		f = spec.primary(c)
	case spec.wrapper != nil:
		f = spec.wrapper(c)
	case spec.observer != nil:
		f = spec.observer(c)
	}
	c.fragments[spec] = f
	return f
}

func compose(wrappers []Wrapper, primary Primary) Next {
	next := Next(primary.Invoke)
	for i := len(wrappers) - 1; i >= 0; i-- {
		w, inner := wrappers[i], next
		next = func(ctx context.Context, inv *Invocation) (any, error) {
			return w.Wrap(ctx, inv, inner)
		}
	}
	return next
}

type boundChain struct {
	model     ChainModel
	entry     Next
	observers []Observer
	logger    observe.Logger
}

func (b *boundChain) invoke(ctx context.Context, inv *Invocation) (any, error) {
	result, err := b.entry(ctx, inv)
	if err != nil {
		return nil, err
	}
	for i, o := range b.observers {
		oerr := o.Observe(ctx, inv, result)
		if oerr == nil {
			continue
		}
		if IsUnrecoverable(oerr) {
			return nil, oerr
		}
		b.logger.Warn("observer failed",
			"capability", b.model.Capability,
			"operation", b.model.Operation,
			"observer", i,
			"error", oerr)
	}
	return result, nil
}
