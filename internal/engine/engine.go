// Package engine defines the boundary to the external accelerator-physics
// engine. The coordination layer treats it as an opaque call: full settable
// mapping in, full readable mapping (or a diagnostic failure) out. The
// trigger guarantees at most one invocation is in flight.
package engine

import (
	"context"
	"errors"

	"simulacrum/internal/model"
)

// Input carries the complete settable-attribute state for one computation:
// the facility topology's values with the pending batch already merged in.
type Input struct {
	Settings map[string]map[string]float64
}

// Output is a successful computation: every readable attribute of every
// element.
type Output struct {
	Readables model.Readings
}

// Engine is implemented by physics backends.
type Engine interface {
	Compute(ctx context.Context, in Input) (Output, error)
}

// Func adapts a plain function into an Engine.
type Func func(ctx context.Context, in Input) (Output, error)

// Compute implements Engine.
func (f Func) Compute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// ComputationError reports that the engine could not produce a result for
// the given input (non-convergent solve, invalid configuration). The batch
// that caused it is rejected wholesale; it is never a transport failure.
type ComputationError struct {
	Reason string
}

func (e *ComputationError) Error() string {
	return "engine computation failed: " + e.Reason
}

// IsComputationError reports whether err is a ComputationError and returns
// its diagnostic reason.
func IsComputationError(err error) (string, bool) {
	var ce *ComputationError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
