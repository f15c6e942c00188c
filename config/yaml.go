package config

import (
	"encoding/json"

	"github.com/jsccast/yaml"
)

// Checkout documents are canonically JSON; YAML is accepted and
// produced by converting through the JSON codec, so both encodings
// see exactly the same types and defaults.

// YAMLToJSON re-encodes a YAML document as JSON.
func YAMLToJSON(bs []byte) ([]byte, error) {
	var x interface{}
	if err := yaml.Unmarshal(bs, &x); err != nil {
		return nil, err
	}
	return json.Marshal(x)
}

// JSONToYAML re-encodes a JSON document as YAML.
func JSONToYAML(bs []byte) ([]byte, error) {
	var x interface{}
	if err := json.Unmarshal(bs, &x); err != nil {
		return nil, err
	}
	return yaml.Marshal(x)
}
