package check

import (
	"encoding/json"
	"fmt"
)

// Comparisons serialize inside a one-key envelope naming the kind:
//
//	{"Equals": {"value": 1, ...}}
//
// which keeps documents readable and the union open to new kinds.

var comparisonKinds = map[string]func() Comparison{
	"Equals":         func() Comparison { return &Equals{} },
	"NotEquals":      func() Comparison { return &NotEquals{} },
	"Greater":        func() Comparison { return &Greater{} },
	"GreaterOrEqual": func() Comparison { return &GreaterOrEqual{} },
	"Less":           func() Comparison { return &Less{} },
	"LessOrEqual":    func() Comparison { return &LessOrEqual{} },
	"Range":          func() Comparison { return &Range{Inclusive: true} },
	"ValueSet":       func() Comparison { return &ValueSet{} },
	"AnyValue":       func() Comparison { return &AnyValue{} },
	"AnyComparison":  func() Comparison { return &AnyComparison{} },
}

// ComparisonTag returns the envelope tag for a comparison kind.
func ComparisonTag(c Comparison) (string, error) {
	switch c.(type) {
	case *Equals:
		return "Equals", nil
	case *NotEquals:
		return "NotEquals", nil
	case *Greater:
		return "Greater", nil
	case *GreaterOrEqual:
		return "GreaterOrEqual", nil
	case *Less:
		return "Less", nil
	case *LessOrEqual:
		return "LessOrEqual", nil
	case *Range:
		return "Range", nil
	case *ValueSet:
		return "ValueSet", nil
	case *AnyValue:
		return "AnyValue", nil
	case *AnyComparison:
		return "AnyComparison", nil
	}
	return "", fmt.Errorf("unknown comparison type %T", c)
}

// MarshalComparison writes one comparison with its envelope.
func MarshalComparison(c Comparison) ([]byte, error) {
	tag, err := ComparisonTag(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]Comparison{tag: c})
}

// UnmarshalComparison reads one enveloped comparison.
func UnmarshalComparison(bs []byte) (Comparison, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(bs, &envelope); err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("comparison wants exactly one variant; got %d", len(envelope))
	}
	for tag, body := range envelope {
		factory, have := comparisonKinds[tag]
		if !have {
			return nil, fmt.Errorf("unknown comparison kind: %s", tag)
		}
		c := factory()
		if err := json.Unmarshal(body, c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("empty comparison envelope")
}

// ComparisonList is a slice of comparisons that knows how to
// serialize its elements with their envelopes.
type ComparisonList []Comparison

func (l ComparisonList) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, c := range l {
		bs, err := MarshalComparison(c)
		if err != nil {
			return nil, err
		}
		raw = append(raw, bs)
	}
	return json.Marshal(raw)
}

func (l *ComparisonList) UnmarshalJSON(bs []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		return err
	}
	cs := make(ComparisonList, 0, len(raw))
	for _, r := range raw {
		c, err := UnmarshalComparison(r)
		if err != nil {
			return err
		}
		cs = append(cs, c)
	}
	*l = cs
	return nil
}
