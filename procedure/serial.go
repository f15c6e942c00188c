package procedure

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/walk"
)

// Steps use the same one-key envelope as comparisons and
// configurations.  The factories carry the defaults a hand-written
// document can omit: verification and step success are required, and
// action steps halt on failure.

func defaultMeta() StepMeta {
	return StepMeta{VerifyRequired: true, StepSuccessRequired: true}
}

var stepKinds = map[string]func() Step{
	"ProcedureGroup":  func() Step { return &ProcedureGroup{StepMeta: defaultMeta()} },
	"DescriptionStep": func() Step { return &DescriptionStep{StepMeta: defaultMeta()} },
	"PassiveStep":     func() Step { return &PassiveStep{StepMeta: defaultMeta()} },
	"SetValueStep": func() Step {
		return &SetValueStep{
			StepMeta:             defaultMeta(),
			HaltOnFail:           true,
			RequireActionSuccess: true,
		}
	},
	"CodeStep": func() Step { return &CodeStep{StepMeta: defaultMeta()} },
	"PlanStep": func() Step {
		return &PlanStep{
			StepMeta:           defaultMeta(),
			HaltOnFail:         true,
			RequirePlanSuccess: true,
		}
	},
	"PydmDisplayStep":   func() Step { return &PydmDisplayStep{StepMeta: defaultMeta()} },
	"TyphosDisplayStep": func() Step { return &TyphosDisplayStep{StepMeta: defaultMeta()} },
}

// StepTag returns the envelope tag for a step kind.
func StepTag(s Step) (string, error) {
	switch s.(type) {
	case *ProcedureGroup:
		return "ProcedureGroup", nil
	case *DescriptionStep:
		return "DescriptionStep", nil
	case *PassiveStep:
		return "PassiveStep", nil
	case *SetValueStep:
		return "SetValueStep", nil
	case *CodeStep:
		return "CodeStep", nil
	case *PlanStep:
		return "PlanStep", nil
	case *PydmDisplayStep:
		return "PydmDisplayStep", nil
	case *TyphosDisplayStep:
		return "TyphosDisplayStep", nil
	}
	return "", fmt.Errorf("unknown step type %T", s)
}

// MarshalStep writes one step with its envelope.
func MarshalStep(s Step) ([]byte, error) {
	tag, err := StepTag(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]Step{tag: s})
}

// UnmarshalStep reads one enveloped step.
func UnmarshalStep(bs []byte) (Step, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(bs, &envelope); err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("step wants exactly one variant; got %d", len(envelope))
	}
	for tag, body := range envelope {
		factory, have := stepKinds[tag]
		if !have {
			return nil, fmt.Errorf("unknown step kind: %s", tag)
		}
		s := factory()
		if err := json.Unmarshal(body, s); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("empty step envelope")
}

// StepList serializes its elements with their envelopes.
type StepList []Step

func (l StepList) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, s := range l {
		bs, err := MarshalStep(s)
		if err != nil {
			return nil, err
		}
		raw = append(raw, bs)
	}
	return json.Marshal(raw)
}

func (l *StepList) UnmarshalJSON(bs []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		return err
	}
	ss := make(StepList, 0, len(raw))
	for _, r := range raw {
		s, err := UnmarshalStep(r)
		if err != nil {
			return err
		}
		ss = append(ss, s)
	}
	*l = ss
	return nil
}

// comparisonToTargetWire carries the enveloped comparison alongside
// the target fields.
type comparisonToTargetWire struct {
	Name   string `json:"name,omitempty"`
	Device string `json:"device,omitempty"`
	Attr   string `json:"attr,omitempty"`
	Pv     string `json:"pv,omitempty"`

	Comparison json.RawMessage `json:"comparison"`
}

func (ct ComparisonToTarget) MarshalJSON() ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if ct.Comparison != nil {
		raw, err = check.MarshalComparison(ct.Comparison)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(comparisonToTargetWire{
		Name:       ct.Name,
		Device:     ct.Device,
		Attr:       ct.Attr,
		Pv:         ct.Pv,
		Comparison: raw,
	})
}

func (ct *ComparisonToTarget) UnmarshalJSON(bs []byte) error {
	var w comparisonToTargetWire
	if err := json.Unmarshal(bs, &w); err != nil {
		return err
	}
	var c check.Comparison
	if w.Comparison != nil {
		var err error
		if c, err = check.UnmarshalComparison(w.Comparison); err != nil {
			return err
		}
	}
	*ct = ComparisonToTarget{
		Target: Target{
			Name:   w.Name,
			Device: w.Device,
			Attr:   w.Attr,
			Pv:     w.Pv,
		},
		Comparison: c,
	}
	return nil
}

// ProcedureFile is a complete active checkout document.
type ProcedureFile struct {
	Version int            `json:"version"`
	Root    ProcedureGroup `json:"root"`
}

// NewProcedureFile wraps a root group in a current-version file.
func NewProcedureFile(root ProcedureGroup) *ProcedureFile {
	return &ProcedureFile{Version: config.FileVersion, Root: root}
}

// Validate checks the whole tree's shape with no I/O.
func (f *ProcedureFile) Validate() error {
	return f.Root.Validate()
}

// Walk traverses every step, root first, children in stored order.
func (f *ProcedureFile) Walk() *walk.Iterator[Step] {
	return walk.New[Step](&f.Root, func(s Step) []Step {
		return s.Children()
	})
}

// LoadProcedureFile reads an active checkout document, accepting
// JSON and YAML by extension.
func LoadProcedureFile(filename string) (*ProcedureFile, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if config.IsYAML(filename) {
		if bs, err = config.YAMLToJSON(bs); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	return ParseProcedureFile(bs)
}

// ParseProcedureFile reads an active checkout document from JSON
// bytes.
func ParseProcedureFile(bs []byte) (*ProcedureFile, error) {
	var f ProcedureFile
	if err := json.Unmarshal(bs, &f); err != nil {
		return nil, err
	}
	if f.Version != config.FileVersion {
		return nil, fmt.Errorf("unsupported document version %d (want %d)", f.Version, config.FileVersion)
	}
	return &f, nil
}

// Save writes the document, as YAML when the extension asks for it.
func (f *ProcedureFile) Save(filename string) error {
	bs, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if config.IsYAML(filename) {
		if bs, err = config.JSONToYAML(bs); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, bs, 0644)
}
