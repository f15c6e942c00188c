// Package tools runs host-side checks whose results feed comparisons,
// starting with a ping tool.  A tool's Result is a string-keyed map
// so that configurations can address individual fields with dotted
// keys like "times.hutch-gateway".
package tools

import (
	"context"
	"fmt"
	"strings"
)

// Result is the output of one tool run.
type Result map[string]interface{}

// Tool is one runnable host-side check.
type Tool interface {
	// Run executes the tool once.
	Run(ctx context.Context) (Result, error)

	// CheckResultKey validates a dotted result key without
	// running anything.
	CheckResultKey(key string) error
}

// UnknownKeyError reports a result key a tool does not produce.
type UnknownKeyError struct {
	Key  string
	Keys []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown result key %q (have %s)", e.Key, strings.Join(e.Keys, ", "))
}

// Value looks up a dotted key in a result, descending through nested
// maps.
func Value(res Result, key string) (interface{}, error) {
	var current interface{} = map[string]interface{}(res)
	for _, part := range strings.Split(key, ".") {
		m, is := current.(map[string]interface{})
		if !is {
			return nil, fmt.Errorf("result key %q descends into a non-map", key)
		}
		v, have := m[part]
		if !have {
			return nil, fmt.Errorf("result key %q not found", key)
		}
		current = v
	}
	return current, nil
}
