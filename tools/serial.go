package tools

import (
	"encoding/json"
	"fmt"
)

// Tools serialize inside the same one-key envelope as comparisons:
//
//	{"Ping": {"hosts": ["hutch-gateway"]}}

var toolKinds = map[string]func() Tool{
	"Ping": func() Tool { return &Ping{} },
}

// Tag returns the envelope tag for a tool kind.
func Tag(t Tool) (string, error) {
	switch t.(type) {
	case *Ping:
		return "Ping", nil
	}
	return "", fmt.Errorf("unknown tool type %T", t)
}

// Marshal writes one tool with its envelope.
func Marshal(t Tool) ([]byte, error) {
	tag, err := Tag(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]Tool{tag: t})
}

// Unmarshal reads one enveloped tool.
func Unmarshal(bs []byte) (Tool, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(bs, &envelope); err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("tool wants exactly one variant; got %d", len(envelope))
	}
	for tag, body := range envelope {
		factory, have := toolKinds[tag]
		if !have {
			return nil, fmt.Errorf("unknown tool kind: %s", tag)
		}
		t := factory()
		if err := json.Unmarshal(body, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("empty tool envelope")
}
