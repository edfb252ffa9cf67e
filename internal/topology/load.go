package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a facility description from a YAML file.
func Load(path string) (*Facility, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(data)
}

// Parse decodes a facility description from YAML bytes.
func Parse(data []byte) (*Facility, error) {
	var fac Facility
	if err := yaml.Unmarshal(data, &fac); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	if len(fac.Elements) == 0 {
		return nil, fmt.Errorf("topology has no elements")
	}
	if err := fac.buildIndex(); err != nil {
		return nil, err
	}
	if err := fac.validateResponses(); err != nil {
		return nil, err
	}
	return &fac, nil
}

// validateResponses checks that every response term references a settable
// that actually exists, so the engine never chases a dangling coefficient.
func (f *Facility) validateResponses() error {
	for i := range f.Elements {
		el := &f.Elements[i]
		for _, r := range el.Readables {
			for _, term := range r.Response {
				src, ok := f.Element(term.Source)
				if !ok {
					return fmt.Errorf("element %q readable %q: response source %q not in topology", el.Name, r.Name, term.Source)
				}
				if _, ok := src.Settable(term.Attribute); !ok {
					return fmt.Errorf("element %q readable %q: source %q has no settable %q", el.Name, r.Name, term.Source, term.Attribute)
				}
			}
		}
		for _, s := range el.Settables {
			if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
				return fmt.Errorf("element %q settable %q: min %v exceeds max %v", el.Name, s.Name, *s.Min, *s.Max)
			}
		}
	}
	return nil
}
