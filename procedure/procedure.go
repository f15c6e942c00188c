// Package procedure models active checkouts: ordered steps that move
// the machine, run code and plans, embed passive checkouts, and end
// in one result tree.
//
// Like package config, the step tree is pure data; preparing it binds
// targets to live signals, and running it walks the steps strictly in
// order.
package procedure

import (
	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/plan"
	"github.com/pcdshub/atef/source"
)

// StepMeta is the part of every step kind that names it and decides
// what its combined result requires.
type StepMeta struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// VerifyRequired makes the combined result wait on an
	// operator sign-off.
	VerifyRequired bool `json:"verify_required"`

	// StepSuccessRequired makes the combined result include the
	// step's own outcome.
	StepSuccessRequired bool `json:"step_success_required"`
}

// Common makes every embedding step kind satisfy part of the Step
// interface.
func (m *StepMeta) Common() *StepMeta { return m }

// Step is one node of an active checkout tree.
type Step interface {
	Common() *StepMeta

	// Validate checks shape only, with no I/O.
	Validate() error

	// Children returns nested steps, which only groups have.
	Children() []Step
}

// Target names one writable or checkable signal: either a device
// attribute or a PV.
type Target struct {
	Name string `json:"name,omitempty"`

	Device string `json:"device,omitempty"`
	Attr   string `json:"attr,omitempty"`

	Pv string `json:"pv,omitempty"`
}

// Identifier names the target for reasons and logs.
func (t *Target) Identifier() string {
	if t.Pv != "" {
		return t.Pv
	}
	return t.Device + "." + t.Attr
}

func (t *Target) Validate() error {
	pv := t.Pv != ""
	dev := t.Device != "" || t.Attr != ""
	if pv == dev {
		return &check.ValueError{Value: t.Name, Reason: "target wants either a PV or a device attribute, not both or neither"}
	}
	if dev && (t.Device == "" || t.Attr == "") {
		return &check.ValueError{Value: t.Name, Reason: "device target needs both device and attr"}
	}
	return nil
}

// Signal resolves the target through the run's handle cache.
func (t *Target) Signal(cache *source.Cache) (source.Signal, error) {
	if t.Pv != "" {
		return cache.Signal(t.Pv)
	}
	return cache.DeviceSignal(t.Device, t.Attr)
}

// ValueToTarget is one write an action step performs.
type ValueToTarget struct {
	Target

	Value interface{} `json:"value"`

	// Timeout bounds the write, in seconds.
	Timeout *float64 `json:"timeout,omitempty"`

	// SettleTime is how long to wait after the write, in seconds.
	SettleTime *float64 `json:"settle_time,omitempty"`
}

// ComparisonToTarget is one check an action step verifies with.
type ComparisonToTarget struct {
	Target

	Comparison check.Comparison `json:"-"`
}

func (ct *ComparisonToTarget) Validate() error {
	if err := ct.Target.Validate(); err != nil {
		return err
	}
	if ct.Comparison == nil {
		return &check.ValueError{Value: ct.Name, Reason: "no comparison for target"}
	}
	return ct.Comparison.Validate()
}

// ProcedureGroup nests other steps and runs them in order.
type ProcedureGroup struct {
	StepMeta

	Steps StepList `json:"steps"`

	// Mode defaults to "all".
	Mode check.Mode `json:"mode,omitempty"`

	// StopOnFailure skips the remaining steps once one ends at
	// error severity.  Skipped steps still appear in the result
	// tree as incomplete.
	StopOnFailure bool `json:"stop_on_failure,omitempty"`
}

func (g *ProcedureGroup) Children() []Step { return g.Steps }

func (g *ProcedureGroup) Validate() error {
	switch g.Mode {
	case check.ModeAll, check.ModeAny, "":
	default:
		return &check.ValueError{Value: g.Mode, Reason: "unknown group mode"}
	}
	for _, s := range g.Steps {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DescriptionStep tells the operator something and succeeds.
type DescriptionStep struct {
	StepMeta
}

func (s *DescriptionStep) Children() []Step { return nil }
func (s *DescriptionStep) Validate() error  { return nil }

// PassiveStep embeds a passive checkout: running the step runs the
// whole configuration tree.  The checkout comes inline or from a
// file.
type PassiveStep struct {
	StepMeta

	Filepath string `json:"filepath,omitempty"`

	Configuration *config.ConfigurationFile `json:"configuration,omitempty"`
}

func (s *PassiveStep) Children() []Step { return nil }

func (s *PassiveStep) Validate() error {
	if (s.Filepath == "") == (s.Configuration == nil) {
		return &check.ValueError{Value: s.Name, Reason: "passive step wants either a filepath or an inline configuration"}
	}
	if s.Configuration != nil {
		return s.Configuration.Validate()
	}
	return nil
}

// SetValueStep writes values and then verifies the machine took
// them.
type SetValueStep struct {
	StepMeta

	Actions         []ValueToTarget      `json:"actions"`
	SuccessCriteria []ComparisonToTarget `json:"success_criteria"`

	// HaltOnFail stops the remaining actions and skips
	// verification when a write fails.  Documents that omit it
	// get true.
	HaltOnFail bool `json:"halt_on_fail"`

	// RequireActionSuccess folds write failures into the step
	// result.  Documents that omit it get true.
	RequireActionSuccess bool `json:"require_action_success"`
}

func (s *SetValueStep) Children() []Step { return nil }

func (s *SetValueStep) Validate() error {
	for i := range s.Actions {
		if err := s.Actions[i].Target.Validate(); err != nil {
			return err
		}
	}
	for i := range s.SuccessCriteria {
		if err := s.SuccessCriteria[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CodeStep runs a script with arguments.  A thrown error fails the
// step.
type CodeStep struct {
	StepMeta

	SourceCode string                 `json:"source_code"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
}

func (s *CodeStep) Children() []Step { return nil }

func (s *CodeStep) Validate() error {
	if s.SourceCode == "" {
		return &check.ValueError{Value: s.Name, Reason: "code step without source"}
	}
	return nil
}

// PlanStep submits plans to the run's plan runner and then checks
// their effects.
type PlanStep struct {
	StepMeta

	Plans  []plan.Options       `json:"plans"`
	Checks []ComparisonToTarget `json:"checks,omitempty"`

	// HaltOnFail stops the remaining plans and skips the checks
	// when a plan fails.  Documents that omit it get true.
	HaltOnFail bool `json:"halt_on_fail"`

	// RequirePlanSuccess folds plan failures into the step
	// result.  Documents that omit it get true.
	RequirePlanSuccess bool `json:"require_plan_success"`
}

func (s *PlanStep) Children() []Step { return nil }

func (s *PlanStep) Validate() error {
	for i := range s.Plans {
		if s.Plans[i].Plan == "" {
			return &check.ValueError{Value: s.Name, Reason: "plan entry without a plan name"}
		}
	}
	for i := range s.Checks {
		if err := s.Checks[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DisplayOptions tunes an embedded operator display.
type DisplayOptions struct {
	Macros   map[string]string `json:"macros,omitempty"`
	Template string            `json:"template,omitempty"`
	Embed    bool              `json:"embed,omitempty"`
}

// PydmDisplayStep shows a PyDM display.  Running it is a no-op
// success; the display is a GUI concern.
type PydmDisplayStep struct {
	StepMeta

	Display string         `json:"display"`
	Options DisplayOptions `json:"options,omitempty"`
}

func (s *PydmDisplayStep) Children() []Step { return nil }

func (s *PydmDisplayStep) Validate() error {
	if s.Display == "" {
		return &check.ValueError{Value: s.Name, Reason: "display step without a display"}
	}
	return nil
}

// TyphosDisplayStep shows device screens.  Running it is a no-op
// success.
type TyphosDisplayStep struct {
	StepMeta

	Devices map[string]DisplayOptions `json:"devices"`
}

func (s *TyphosDisplayStep) Children() []Step { return nil }

func (s *TyphosDisplayStep) Validate() error {
	if 0 == len(s.Devices) {
		return &check.ValueError{Value: s.Name, Reason: "typhos step without devices"}
	}
	return nil
}

// seconds converts an optional seconds field.
func seconds(f *float64) (float64, bool) {
	if f == nil || *f <= 0 {
		return 0, false
	}
	return *f, true
}
