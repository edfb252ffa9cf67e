package model

import (
	"time"

	"simulacrum/internal/topology"
)

// Readings maps element name -> readable attribute -> computed value.
type Readings map[string]map[string]float64

// Clone deep-copies the readings so a published snapshot can never alias
// mutable engine state.
func (r Readings) Clone() Readings {
	out := make(Readings, len(r))
	for el, attrs := range r {
		copied := make(map[string]float64, len(attrs))
		for k, v := range attrs {
			copied[k] = v
		}
		out[el] = copied
	}
	return out
}

// Snapshot is an immutable, versioned copy of every computed readable
// attribute at one point in model time. Once published its contents never
// change; a new change always produces a new snapshot with a greater version.
type Snapshot struct {
	Version   uint64                `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	Readables Readings              `json:"readables"`
	Kinds     []topology.DeviceKind `json:"kinds,omitempty"`
}

// Value returns one readable attribute from the snapshot.
func (s *Snapshot) Value(element, attr string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	attrs, ok := s.Readables[element]
	if !ok {
		return 0, false
	}
	v, ok := attrs[attr]
	return v, ok
}
