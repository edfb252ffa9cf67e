package topology

import (
	"fmt"
	"strings"
)

// DeviceKind enumerates the closed set of emulated device families.
type DeviceKind string

const (
	KindBPM         DeviceKind = "bpm"
	KindMagnet      DeviceKind = "magnet"
	KindCamera      DeviceKind = "camera"
	KindKlystron    DeviceKind = "klystron"
	KindUndulator   DeviceKind = "undulator"
	KindObstruction DeviceKind = "obstruction"
)

// Kinds lists every known device kind in a stable order.
func Kinds() []DeviceKind {
	return []DeviceKind{KindBPM, KindMagnet, KindCamera, KindKlystron, KindUndulator, KindObstruction}
}

// ParseDeviceKind normalises a kind label from config or CLI input.
func ParseDeviceKind(raw string) (DeviceKind, bool) {
	kind := DeviceKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindBPM, KindMagnet, KindCamera, KindKlystron, KindUndulator, KindObstruction:
		return kind, true
	}
	return "", false
}

// SettableSpec describes one operator-writable attribute of an element.
type SettableSpec struct {
	Name    string   `yaml:"name"`
	Initial float64  `yaml:"initial"`
	Min     *float64 `yaml:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty"`
}

// InRange reports whether value satisfies the configured bounds.
func (s SettableSpec) InRange(value float64) bool {
	if s.Min != nil && value < *s.Min {
		return false
	}
	if s.Max != nil && value > *s.Max {
		return false
	}
	return true
}

// ResponseTerm contributes coeff * (setting - initial) of a source settable
// to a readable. The stand-in engine sums these; a real engine ignores them.
type ResponseTerm struct {
	Source      string  `yaml:"source"`
	Attribute   string  `yaml:"attribute"`
	Coefficient float64 `yaml:"coefficient"`
}

// ReadableSpec describes one computed attribute of an element.
type ReadableSpec struct {
	Name     string         `yaml:"name"`
	Baseline float64        `yaml:"baseline"`
	Response []ResponseTerm `yaml:"response,omitempty"`
}

// Element is one lattice element: identity, kind and attribute schema.
// Elements are created at topology load time and never destroyed.
type Element struct {
	Name      string         `yaml:"name"`
	Kind      DeviceKind     `yaml:"kind"`
	Device    string         `yaml:"device"`
	Settables []SettableSpec `yaml:"settables,omitempty"`
	Readables []ReadableSpec `yaml:"readables,omitempty"`
}

// Settable returns the spec for a settable attribute, if the element has one.
func (e *Element) Settable(attr string) (SettableSpec, bool) {
	for _, s := range e.Settables {
		if s.Name == attr {
			return s, true
		}
	}
	return SettableSpec{}, false
}

// Readable returns the spec for a readable attribute, if the element has one.
func (e *Element) Readable(attr string) (ReadableSpec, bool) {
	for _, r := range e.Readables {
		if r.Name == attr {
			return r, true
		}
	}
	return ReadableSpec{}, false
}

// Facility is the static description of every element in the machine.
type Facility struct {
	Name     string    `yaml:"name"`
	Elements []Element `yaml:"elements"`

	index map[string]*Element
}

// Element looks up an element by name.
func (f *Facility) Element(name string) (*Element, bool) {
	el, ok := f.index[name]
	return el, ok
}

// ElementsOfKind returns the elements belonging to one device family.
func (f *Facility) ElementsOfKind(kind DeviceKind) []*Element {
	var out []*Element
	for i := range f.Elements {
		if f.Elements[i].Kind == kind {
			out = append(out, &f.Elements[i])
		}
	}
	return out
}

// InitialSettings builds the element -> attribute -> value map the engine
// sees before any command has been accepted.
func (f *Facility) InitialSettings() map[string]map[string]float64 {
	settings := make(map[string]map[string]float64, len(f.Elements))
	for i := range f.Elements {
		el := &f.Elements[i]
		if len(el.Settables) == 0 {
			continue
		}
		attrs := make(map[string]float64, len(el.Settables))
		for _, s := range el.Settables {
			attrs[s.Name] = s.Initial
		}
		settings[el.Name] = attrs
	}
	return settings
}

func (f *Facility) buildIndex() error {
	f.index = make(map[string]*Element, len(f.Elements))
	for i := range f.Elements {
		el := &f.Elements[i]
		if el.Name == "" {
			return fmt.Errorf("element %d has no name", i)
		}
		if _, dup := f.index[el.Name]; dup {
			return fmt.Errorf("duplicate element %q", el.Name)
		}
		if _, ok := ParseDeviceKind(string(el.Kind)); !ok {
			return fmt.Errorf("element %q has unknown kind %q", el.Name, el.Kind)
		}
		f.index[el.Name] = el
	}
	return nil
}
