package entity

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrNoSuchEntity           = errors.New("no such entity")
	ErrNoSuchEntityType       = errors.New("no such entity type")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStoreFailure           = errors.New("entity store failure")
	ErrIllegalState           = errors.New("illegal unit of work state")
	ErrAlreadyExists          = errors.New("entity already exists")
	ErrUnknownState           = errors.New("unknown state name")
	ErrInvalidValue           = errors.New("invalid property value")
)

// NoSuchEntityError reports a lookup of an identity that does not exist or was
// removed in the current unit of work.
type NoSuchEntityError struct {
	Identity Identity
	Type     string
	Usecase  string
}

func (e *NoSuchEntityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no such entity %s", e.Identity)
	if e.Type != "" {
		fmt.Fprintf(&b, " of type %s", e.Type)
	}
	if e.Usecase != "" {
		fmt.Fprintf(&b, " (usecase %s)", e.Usecase)
	}
	return b.String()
}

// Is implements errors.Is support.
func (e *NoSuchEntityError) Is(target error) bool { return target == ErrNoSuchEntity }

// NoSuchEntityTypeError reports an entity type the module does not declare.
type NoSuchEntityTypeError struct {
	Type   string
	Module string
}

func (e *NoSuchEntityTypeError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("no such entity type %s", e.Type)
	}
	return fmt.Sprintf("no such entity type %s in module %s", e.Type, e.Module)
}

// Is implements errors.Is support.
func (e *NoSuchEntityTypeError) Is(target error) bool { return target == ErrNoSuchEntityType }

// ConcurrentModificationError lists every entity whose stored version moved
// since it was loaded.
type ConcurrentModificationError struct {
	Identities []Identity
}

func (e *ConcurrentModificationError) Error() string {
	ids := make([]string, len(e.Identities))
	for i, id := range e.Identities {
		ids[i] = string(id)
	}
	return fmt.Sprintf("concurrent modification of entities [%s]", strings.Join(ids, ", "))
}

// Is implements errors.Is support.
func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// StoreError wraps a backend failure.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("entity store %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes the backend cause.
func (e *StoreError) Unwrap() error { return e.Err }

// Is implements errors.Is support.
func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

// NewStoreError wraps err unless it is nil or already a typed entity error that
// callers are expected to match directly.
func NewStoreError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, passthrough := range []error{ErrNoSuchEntity, ErrNoSuchEntityType, ErrConcurrentModification, ErrAlreadyExists, ErrStoreFailure} {
		if errors.Is(err, passthrough) {
			return err
		}
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// IllegalStateError reports an operation attempted on a unit of work or entity
// state that no longer accepts it.
type IllegalStateError struct {
	Op    string
	State string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state: cannot %s when %s", e.Op, e.State)
}

// Is implements errors.Is support.
func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// AlreadyExistsError reports a new entity whose identity is already taken.
type AlreadyExistsError struct {
	Identity Identity
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("entity %s already exists", e.Identity)
}

// Is implements errors.Is support.
func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// UnknownStateError reports a property or association name the descriptor
// does not declare.
type UnknownStateError struct {
	Type string
	Kind string
	Name string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("entity type %s has no %s %q", e.Type, e.Kind, e.Name)
}

// Is implements errors.Is support.
func (e *UnknownStateError) Is(target error) bool { return target == ErrUnknownState }
