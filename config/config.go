// Package config models passive checkouts: trees of configurations
// whose comparisons are checked against live device and PV readings.
//
// A ConfigurationFile is pure data and round-trips through JSON or
// YAML.  Preparing a file against a source.Environment binds every
// comparison to a live signal handle; comparing a prepared file runs
// everything and aggregates the outcome into one result tree.
package config

import (
	"sort"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/tools"
)

// Metadata is the part of every configuration kind that names and
// organizes it.
type Metadata struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
}

// Common makes every embedding configuration kind satisfy part of the
// Configuration interface.
func (m *Metadata) Common() *Metadata { return m }

// HasTag reports whether any of the given tags is present.
func (m *Metadata) HasTag(tags ...string) bool {
	for _, t := range tags {
		for _, mine := range m.Tags {
			if t == mine {
				return true
			}
		}
	}
	return false
}

// Configuration is one node of a passive checkout tree.
type Configuration interface {
	Common() *Metadata

	// Validate checks shape only, with no I/O: comparison value
	// fields, tool result keys, child configurations.
	Validate() error

	// Children returns nested configurations, which only groups
	// have.
	Children() []Configuration
}

// ConfigurationGroup nests other configurations and decides how their
// results combine.
type ConfigurationGroup struct {
	Metadata

	// Values are named constants carried with the checkout for
	// operator reference.
	Values map[string]interface{} `json:"values,omitempty"`

	Configs ConfigurationList `json:"configs"`

	// Mode defaults to "all".
	Mode check.Mode `json:"mode,omitempty"`
}

func (g *ConfigurationGroup) Children() []Configuration {
	return g.Configs
}

func (g *ConfigurationGroup) Validate() error {
	switch g.Mode {
	case check.ModeAll, check.ModeAny, "":
	default:
		return &check.ValueError{Value: g.Mode, Reason: "unknown group mode"}
	}
	for _, c := range g.Configs {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DeviceConfiguration checks attributes across one or more named
// devices.  Every device gets every comparison for its attribute,
// plus the shared ones.
type DeviceConfiguration struct {
	Metadata

	Devices []string `json:"devices"`

	// ByAttr maps a device attribute to its comparisons.
	ByAttr map[string]check.ComparisonList `json:"by_attr"`

	// Shared comparisons apply to every attribute in ByAttr.
	Shared check.ComparisonList `json:"shared,omitempty"`
}

func (d *DeviceConfiguration) Children() []Configuration { return nil }

func (d *DeviceConfiguration) Validate() error {
	return validateComparisonMap(d.ByAttr, d.Shared)
}

// PVConfiguration checks process variables directly by name.
type PVConfiguration struct {
	Metadata

	// ByPV maps a PV name to its comparisons.
	ByPV map[string]check.ComparisonList `json:"by_pv"`

	// Shared comparisons apply to every PV in ByPV.
	Shared check.ComparisonList `json:"shared,omitempty"`
}

func (p *PVConfiguration) Children() []Configuration { return nil }

func (p *PVConfiguration) Validate() error {
	return validateComparisonMap(p.ByPV, p.Shared)
}

// ToolConfiguration runs one tool and checks fields of its result.
type ToolConfiguration struct {
	Metadata

	Tool tools.Tool `json:"-"`

	// ByAttr maps a dotted tool result key to its comparisons.
	ByAttr map[string]check.ComparisonList `json:"by_attr"`

	// Shared comparisons apply to every result key in ByAttr.
	Shared check.ComparisonList `json:"shared,omitempty"`
}

func (t *ToolConfiguration) Children() []Configuration { return nil }

func (t *ToolConfiguration) Validate() error {
	if t.Tool == nil {
		return &check.ValueError{Value: t.Name, Reason: "tool configuration without a tool"}
	}
	for key := range t.ByAttr {
		if err := t.Tool.CheckResultKey(key); err != nil {
			return err
		}
	}
	return validateComparisonMap(t.ByAttr, t.Shared)
}

func validateComparisonMap(byKey map[string]check.ComparisonList, shared check.ComparisonList) error {
	for _, cs := range byKey {
		for _, c := range cs {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	}
	for _, c := range shared {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// sortedKeys gives map-backed configurations a deterministic
// evaluation and display order.
func sortedKeys(m map[string]check.ComparisonList) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
