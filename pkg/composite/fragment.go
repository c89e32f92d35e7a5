// Package composite implements capability dispatch through ordered fragment
// chains. A composite exposes named capabilities; each (capability, operation)
// pair resolves to wrappers, exactly one primary, and observers, executed as
// wrappers -> primary -> observers.
package composite

import (
	"context"
	"errors"
)

// Handle is the dispatch entry point of a composite. Fragments receive the
// handle of their owning composite when they are constructed.
type Handle interface {
	Invoke(ctx context.Context, capability, operation string, args ...any) (any, error)
}

// Invocation describes one call travelling through a chain.
type Invocation struct {
	Capability string
	Operation  string
	Args       []any
	Self       Handle
}

// Arg returns the i-th argument or nil when absent.
func (inv *Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.Args) {
		return nil
	}
	return inv.Args[i]
}

// Next continues a chain. Wrappers that do not call it short-circuit.
type Next func(ctx context.Context, inv *Invocation) (any, error)

// Primary implements an operation.
type Primary interface {
	Invoke(ctx context.Context, inv *Invocation) (any, error)
}

// Wrapper runs around the rest of the chain.
type Wrapper interface {
	Wrap(ctx context.Context, inv *Invocation, next Next) (any, error)
}

// Observer runs after a successful result. Its errors are logged and dropped
// unless marked with Unrecoverable.
type Observer interface {
	Observe(ctx context.Context, inv *Invocation, result any) error
}

// PrimaryFunc adapts a function into a Primary.
type PrimaryFunc func(ctx context.Context, inv *Invocation) (any, error)

// Invoke implements Primary.
func (f PrimaryFunc) Invoke(ctx context.Context, inv *Invocation) (any, error) { return f(ctx, inv) }

// WrapperFunc adapts a function into a Wrapper.
type WrapperFunc func(ctx context.Context, inv *Invocation, next Next) (any, error)

// Wrap implements Wrapper.
func (f WrapperFunc) Wrap(ctx context.Context, inv *Invocation, next Next) (any, error) {
	return f(ctx, inv, next)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, inv *Invocation, result any) error

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, inv *Invocation, result any) error {
	return f(ctx, inv, result)
}

// PrimaryFactory builds a primary for one composite instance.
type PrimaryFactory func(self Handle) Primary

// WrapperFactory builds a wrapper for one composite instance.
type WrapperFactory func(self Handle) Wrapper

// ObserverFactory builds an observer for one composite instance.
type ObserverFactory func(self Handle) Observer

// SharedPrimary reuses p for every composite instance.
func SharedPrimary(p Primary) PrimaryFactory { return func(Handle) Primary { return p } }

// SharedWrapper reuses w for every composite instance.
func SharedWrapper(w Wrapper) WrapperFactory { return func(Handle) Wrapper { return w } }

// SharedObserver reuses o for every composite instance.
func SharedObserver(o Observer) ObserverFactory { return func(Handle) Observer { return o } }

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return "unrecoverable: " + e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks an observer error that must fail the invocation instead
// of being logged and dropped.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err carries the Unrecoverable mark.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}
