package config

import (
	"encoding/json"
	"fmt"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/tools"
)

// Configurations use the same one-key envelope as comparisons:
//
//	{"DeviceConfiguration": {"devices": [...], ...}}

var configurationKinds = map[string]func() Configuration{
	"ConfigurationGroup":  func() Configuration { return &ConfigurationGroup{} },
	"DeviceConfiguration": func() Configuration { return &DeviceConfiguration{} },
	"PVConfiguration":     func() Configuration { return &PVConfiguration{} },
	"ToolConfiguration":   func() Configuration { return &ToolConfiguration{} },
}

// ConfigurationTag returns the envelope tag for a configuration kind.
func ConfigurationTag(c Configuration) (string, error) {
	switch c.(type) {
	case *ConfigurationGroup:
		return "ConfigurationGroup", nil
	case *DeviceConfiguration:
		return "DeviceConfiguration", nil
	case *PVConfiguration:
		return "PVConfiguration", nil
	case *ToolConfiguration:
		return "ToolConfiguration", nil
	}
	return "", fmt.Errorf("unknown configuration type %T", c)
}

// MarshalConfiguration writes one configuration with its envelope.
func MarshalConfiguration(c Configuration) ([]byte, error) {
	tag, err := ConfigurationTag(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]Configuration{tag: c})
}

// UnmarshalConfiguration reads one enveloped configuration.
func UnmarshalConfiguration(bs []byte) (Configuration, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(bs, &envelope); err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("configuration wants exactly one variant; got %d", len(envelope))
	}
	for tag, body := range envelope {
		factory, have := configurationKinds[tag]
		if !have {
			return nil, fmt.Errorf("unknown configuration kind: %s", tag)
		}
		c := factory()
		if err := json.Unmarshal(body, c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("empty configuration envelope")
}

// ConfigurationList serializes its elements with their envelopes.
type ConfigurationList []Configuration

func (l ConfigurationList) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, c := range l {
		bs, err := MarshalConfiguration(c)
		if err != nil {
			return nil, err
		}
		raw = append(raw, bs)
	}
	return json.Marshal(raw)
}

func (l *ConfigurationList) UnmarshalJSON(bs []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		return err
	}
	cs := make(ConfigurationList, 0, len(raw))
	for _, r := range raw {
		c, err := UnmarshalConfiguration(r)
		if err != nil {
			return err
		}
		cs = append(cs, c)
	}
	*l = cs
	return nil
}

// toolConfigurationWire carries the enveloped tool alongside the
// plainly tagged fields.
type toolConfigurationWire struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`

	Tool   json.RawMessage                 `json:"tool"`
	ByAttr map[string]check.ComparisonList `json:"by_attr"`
	Shared check.ComparisonList            `json:"shared,omitempty"`
}

func (t *ToolConfiguration) MarshalJSON() ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if t.Tool != nil {
		raw, err = tools.Marshal(t.Tool)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(toolConfigurationWire{
		Name:        t.Name,
		Description: t.Description,
		Tags:        t.Tags,
		Tool:        raw,
		ByAttr:      t.ByAttr,
		Shared:      t.Shared,
	})
}

func (t *ToolConfiguration) UnmarshalJSON(bs []byte) error {
	var w toolConfigurationWire
	if err := json.Unmarshal(bs, &w); err != nil {
		return err
	}
	var tool tools.Tool
	if w.Tool != nil {
		var err error
		if tool, err = tools.Unmarshal(w.Tool); err != nil {
			return err
		}
	}
	*t = ToolConfiguration{
		Metadata: Metadata{
			Name:        w.Name,
			Description: w.Description,
			Tags:        w.Tags,
		},
		Tool:   tool,
		ByAttr: w.ByAttr,
		Shared: w.Shared,
	}
	return nil
}
