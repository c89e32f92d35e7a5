package composite

import (
	"errors"
	"sort"
	"strings"
)

type fragmentSpec struct {
	primary  PrimaryFactory
	wrapper  WrapperFactory
	observer ObserverFactory
}

// Assembler collects capability and composite declarations and validates them
// into a Registry.
type Assembler struct {
	capabilities map[string]*CapabilityBuilder
	capOrder     []string
	composites   map[string][]string
	compOrder    []string
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		capabilities: make(map[string]*CapabilityBuilder),
		composites:   make(map[string][]string),
	}
}

// Capability returns the builder for name, declaring it on first use.
func (a *Assembler) Capability(name string) *CapabilityBuilder {
	if c, ok := a.capabilities[name]; ok {
		return c
	}
	c := &CapabilityBuilder{name: name, operations: make(map[string]*OperationBuilder)}
	a.capabilities[name] = c
	a.capOrder = append(a.capOrder, name)
	return c
}

// Composite declares a composite type exposing the given capabilities.
// Declaring the same type again adds capabilities to it.
func (a *Assembler) Composite(typeName string, capabilities ...string) *Assembler {
	if _, ok := a.composites[typeName]; !ok {
		a.compOrder = append(a.compOrder, typeName)
	}
	a.composites[typeName] = append(a.composites[typeName], capabilities...)
	return a
}

// CapabilityBuilder declares fragments shared by every operation of a
// capability, and the operations themselves.
type CapabilityBuilder struct {
	name       string
	wrappers   []*fragmentSpec
	observers  []*fragmentSpec
	operations map[string]*OperationBuilder
	opOrder    []string
}

// Wrap appends wrappers that run, in order, before every operation-level wrapper.
func (c *CapabilityBuilder) Wrap(factories ...WrapperFactory) *CapabilityBuilder {
	for _, f := range factories {
		c.wrappers = append(c.wrappers, &fragmentSpec{wrapper: f})
	}
	return c
}

// Observe appends observers that run, in order, before every operation-level observer.
func (c *CapabilityBuilder) Observe(factories ...ObserverFactory) *CapabilityBuilder {
	for _, f := range factories {
		c.observers = append(c.observers, &fragmentSpec{observer: f})
	}
	return c
}

// Mixin declares one primary implementing several operations. The factory runs
// once per composite instance and the result serves all listed operations.
func (c *CapabilityBuilder) Mixin(factory PrimaryFactory, operations ...string) *CapabilityBuilder {
	spec := &fragmentSpec{primary: factory}
	for _, op := range operations {
		o := c.Operation(op)
		o.primaries = append(o.primaries, spec)
	}
	return c
}

// Operation returns the builder for an operation, declaring it on first use.
func (c *CapabilityBuilder) Operation(name string) *OperationBuilder {
	if o, ok := c.operations[name]; ok {
		return o
	}
	o := &OperationBuilder{capability: c, name: name}
	c.operations[name] = o
	c.opOrder = append(c.opOrder, name)
	return o
}

// OperationBuilder declares the fragments of a single operation.
type OperationBuilder struct {
	capability *CapabilityBuilder
	name       string
	wrappers   []*fragmentSpec
	primaries  []*fragmentSpec
	observers  []*fragmentSpec
}

// Wrap appends operation-level wrappers.
func (o *OperationBuilder) Wrap(factories ...WrapperFactory) *OperationBuilder {
	for _, f := range factories {
		o.wrappers = append(o.wrappers, &fragmentSpec{wrapper: f})
	}
	return o
}

// Primary declares the implementation of the operation.
func (o *OperationBuilder) Primary(factory PrimaryFactory) *OperationBuilder {
	o.primaries = append(o.primaries, &fragmentSpec{primary: factory})
	return o
}

// Observe appends operation-level observers.
func (o *OperationBuilder) Observe(factories ...ObserverFactory) *OperationBuilder {
	for _, f := range factories {
		o.observers = append(o.observers, &fragmentSpec{observer: f})
	}
	return o
}

// Done returns the owning capability builder.
func (o *OperationBuilder) Done() *CapabilityBuilder { return o.capability }

// ChainModel is the resolved, ordered fragment list of one operation.
type ChainModel struct {
	Capability string
	Operation  string
	wrappers   []*fragmentSpec
	primary    *fragmentSpec
	observers  []*fragmentSpec
}

// Wrappers returns the number of wrappers in the chain.
func (m ChainModel) Wrappers() int { return len(m.wrappers) }

// Observers returns the number of observers in the chain.
func (m ChainModel) Observers() int { return len(m.observers) }

type chainKey struct {
	capability string
	operation  string
}

// Registry is the validated, read-only result of assembly.
type Registry struct {
	chains     map[chainKey]ChainModel
	operations map[string][]string
	capOrder   []string
	composites map[string]map[string]struct{}
}

// Build validates the declarations. Every operation needs exactly one primary
// and every composite may only expose declared capabilities.
func (a *Assembler) Build() (*Registry, error) {
	reg := &Registry{
		chains:     make(map[chainKey]ChainModel),
		operations: make(map[string][]string),
		composites: make(map[string]map[string]struct{}),
	}
	var errs []error
	for _, capName := range a.capOrder {
		c := a.capabilities[capName]
		if strings.TrimSpace(capName) == "" {
			errs = append(errs, &CapabilityDispatchError{Reason: "capability name required"})
			continue
		}
		if len(c.opOrder) == 0 {
			errs = append(errs, &CapabilityDispatchError{Capability: capName, Reason: "no operations declared"})
			continue
		}
		for _, opName := range c.opOrder {
			o := c.operations[opName]
			switch len(o.primaries) {
			case 1:
			case 0:
				errs = append(errs, &CapabilityDispatchError{Capability: capName, Operation: opName, Reason: "no primary implementation"})
				continue
			default:
				errs = append(errs, &CapabilityDispatchError{Capability: capName, Operation: opName, Reason: "more than one primary implementation"})
				continue
			}
			model := ChainModel{Capability: capName, Operation: opName, primary: o.primaries[0]}
			model.wrappers = append(append(model.wrappers, c.wrappers...), o.wrappers...)
			model.observers = append(append(model.observers, c.observers...), o.observers...)
			reg.chains[chainKey{capName, opName}] = model
			reg.operations[capName] = append(reg.operations[capName], opName)
		}
		reg.capOrder = append(reg.capOrder, capName)
	}
	for _, typeName := range a.compOrder {
		exposed := make(map[string]struct{})
		for _, capName := range a.composites[typeName] {
			if _, ok := a.capabilities[capName]; !ok {
				errs = append(errs, &CapabilityDispatchError{Composite: typeName, Capability: capName, Reason: "capability not declared"})
				continue
			}
			exposed[capName] = struct{}{}
		}
		reg.composites[typeName] = exposed
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

// Lookup returns the chain of one operation.
func (r *Registry) Lookup(capability, operation string) (ChainModel, bool) {
	m, ok := r.chains[chainKey{capability, operation}]
	return m, ok
}

// Capabilities lists declared capabilities in declaration order.
func (r *Registry) Capabilities() []string { return append([]string(nil), r.capOrder...) }

// Operations lists the operations of a capability in declaration order.
func (r *Registry) Operations(capability string) []string {
	return append([]string(nil), r.operations[capability]...)
}

// CompositeTypes lists declared composite types in sorted order.
func (r *Registry) CompositeTypes() []string {
	out := make([]string, 0, len(r.composites))
	for t := range r.composites {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
