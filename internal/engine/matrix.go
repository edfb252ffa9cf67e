package engine

import (
	"context"
	"math"

	"simulacrum/internal/model"
	"simulacrum/internal/topology"
)

// ResponseMatrix is the shipped stand-in backend: each readable is its
// baseline plus the sum of coeff * (setting - initial) over its response
// terms. It is linear, deterministic, and fast, which makes the whole
// coordination layer runnable end-to-end without a real physics engine.
type ResponseMatrix struct {
	facility *topology.Facility
	initial  map[string]map[string]float64
}

// NewResponseMatrix builds the stand-in from the facility description.
func NewResponseMatrix(fac *topology.Facility) *ResponseMatrix {
	return &ResponseMatrix{
		facility: fac,
		initial:  fac.InitialSettings(),
	}
}

// Compute evaluates every readable of every element against the input
// settings. A non-finite setting is reported as a non-convergent solve,
// standing in for the failure mode of a real solver.
func (m *ResponseMatrix) Compute(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	for el, attrs := range in.Settings {
		for attr, v := range attrs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Output{}, &ComputationError{Reason: "non-convergent solve at " + el + "." + attr}
			}
		}
	}

	readables := make(model.Readings, len(m.facility.Elements))
	for i := range m.facility.Elements {
		el := &m.facility.Elements[i]
		if len(el.Readables) == 0 {
			continue
		}
		attrs := make(map[string]float64, len(el.Readables))
		for _, r := range el.Readables {
			value := r.Baseline
			for _, term := range r.Response {
				value += term.Coefficient * m.delta(in.Settings, term.Source, term.Attribute)
			}
			attrs[r.Name] = value
		}
		readables[el.Name] = attrs
	}
	return Output{Readables: readables}, nil
}

func (m *ResponseMatrix) delta(settings map[string]map[string]float64, element, attr string) float64 {
	current, ok := lookup(settings, element, attr)
	if !ok {
		return 0
	}
	base, _ := lookup(m.initial, element, attr)
	return current - base
}

func lookup(settings map[string]map[string]float64, element, attr string) (float64, bool) {
	attrs, ok := settings[element]
	if !ok {
		return 0, false
	}
	v, ok := attrs[attr]
	return v, ok
}
