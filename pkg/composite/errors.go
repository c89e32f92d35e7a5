package composite

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCapabilityDispatch matches every CapabilityDispatchError.
var ErrCapabilityDispatch = errors.New("capability dispatch failure")

// CapabilityDispatchError reports an operation that cannot be dispatched, either
// detected while assembling or when a composite is invoked.
type CapabilityDispatchError struct {
	Composite  string
	Capability string
	Operation  string
	Reason     string
}

func (e *CapabilityDispatchError) Error() string {
	var parts []string
	if e.Composite != "" {
		parts = append(parts, "composite "+e.Composite)
	}
	target := e.Capability
	if e.Operation != "" {
		target += "." + e.Operation
	}
	if target != "" {
		parts = append(parts, target)
	}
	return fmt.Sprintf("capability dispatch: %s: %s", strings.Join(parts, " "), e.Reason)
}

// Is implements errors.Is support.
func (e *CapabilityDispatchError) Is(target error) bool { return target == ErrCapabilityDispatch }
