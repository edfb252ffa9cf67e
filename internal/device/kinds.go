// Package device runs the device-side subscriber session: it keeps a named
// channel table synchronized with published model snapshots and feeds channel
// writes back through the command path.
package device

import (
	"fmt"

	"simulacrum/internal/topology"
)

// Binding maps one channel suffix to a model attribute for a device kind.
// A readable binding projects snapshot values onto the channel; a settable
// binding routes channel writes to a control command.
type Binding struct {
	// Suffix completes the channel name: "<device>:<Suffix>".
	Suffix string
	// Attribute is the model attribute the channel mirrors or sets.
	Attribute string
	// Scale converts model units to channel units: channel = model * Scale.
	Scale float64
	// Settable bindings accept writes; all others are read-only.
	Settable bool
	// History bindings keep a bounded ring of past values on "<channel>HST".
	History bool
}

// Beam positions travel in meters model-side and millimeters on device
// channels.
const metersToMillimeters = 1000.0

var kindBindings = map[topology.DeviceKind][]Binding{
	topology.KindBPM: {
		{Suffix: "X", Attribute: "x", Scale: metersToMillimeters, History: true},
		{Suffix: "Y", Attribute: "y", Scale: metersToMillimeters, History: true},
		{Suffix: "TMIT", Attribute: "tmit", Scale: 1, History: true},
	},
	topology.KindMagnet: {
		{Suffix: "BDES", Attribute: "current", Scale: 1, Settable: true},
		{Suffix: "BACT", Attribute: "current", Scale: 1},
	},
	topology.KindKlystron: {
		{Suffix: "ADES", Attribute: "amplitude", Scale: 1, Settable: true},
		{Suffix: "AACT", Attribute: "amplitude", Scale: 1},
		{Suffix: "PDES", Attribute: "phase", Scale: 1, Settable: true},
		{Suffix: "PACT", Attribute: "phase", Scale: 1},
	},
	topology.KindUndulator: {
		{Suffix: "KDES", Attribute: "k", Scale: 1, Settable: true},
		{Suffix: "KACT", Attribute: "k", Scale: 1},
	},
	topology.KindCamera: {
		{Suffix: "XRMS", Attribute: "xrms", Scale: metersToMillimeters, History: true},
		{Suffix: "YRMS", Attribute: "yrms", Scale: metersToMillimeters, History: true},
	},
	topology.KindObstruction: {
		{Suffix: "CTRL", Attribute: "inserted", Scale: 1, Settable: true},
		{Suffix: "STAT", Attribute: "inserted", Scale: 1},
	},
}

// Bindings returns the channel bindings for a device kind. The kind set is
// closed; unknown kinds are a configuration error.
func Bindings(kind topology.DeviceKind) ([]Binding, error) {
	bindings, ok := kindBindings[kind]
	if !ok {
		return nil, fmt.Errorf("no channel bindings for device kind %q", kind)
	}
	return bindings, nil
}

// ChannelName joins a device prefix and a binding suffix.
func ChannelName(devicePrefix, suffix string) string {
	return devicePrefix + ":" + suffix
}

// HistoryChannelName names the bounded-history companion of a channel.
func HistoryChannelName(channel string) string {
	return channel + "HST"
}
