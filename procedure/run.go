package procedure

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/plan"
	"github.com/pcdshub/atef/script"
	"github.com/pcdshub/atef/source"
)

// PreparedProcedureGroup runs its steps strictly in order.
type PreparedProcedureGroup struct {
	stepBase
	Config *ProcedureGroup
	Steps  []PreparedStep
}

func (g *PreparedProcedureGroup) Children() []PreparedStep { return g.Steps }

// Run executes the children one at a time.  With StopOnFailure, the
// first child ending at error severity skips the rest; they still
// appear in the tree as incomplete.
func (g *PreparedProcedureGroup) Run(ctx context.Context) *check.Result {
	g.begin()

	halted := false
	for _, s := range g.Steps {
		if halted || ctx.Err() != nil {
			s.skip()
			continue
		}
		res := s.Run(ctx)
		if g.Config.StopOnFailure && check.Error <= res.Severity {
			halted = true
		}
	}

	g.finish(g.StepResult())
	return g.Result()
}

// StepResult for a group is always derived from the children, never
// stored, so a late Verify on a child shows up here.
func (g *PreparedProcedureGroup) StepResult() *check.Result {
	results := make([]*check.Result, 0, len(g.Steps))
	for _, s := range g.Steps {
		results = append(results, s.Result())
	}
	return check.Combine(g.Config.Mode, results)
}

// Result folds the derived child outcome with the group's own
// verification.  The child fold is always included: a group is only
// as good as its steps.
func (g *PreparedProcedureGroup) Result() *check.Result {
	results := []*check.Result{g.StepResult()}
	if g.Config.VerifyRequired {
		results = append(results, g.verifyResult())
	}
	return check.Combine(check.ModeAll, results)
}

func (g *PreparedProcedureGroup) skip() {
	g.stepBase.skip()
	for _, s := range g.Steps {
		s.skip()
	}
}

// PreparedDescriptionStep only informs the operator.
type PreparedDescriptionStep struct {
	stepBase
}

func (s *PreparedDescriptionStep) Run(ctx context.Context) *check.Result {
	s.begin()
	if ctx.Err() != nil {
		s.skip()
		return s.Result()
	}
	s.finish(check.Successful())
	return s.Result()
}

// PreparedDisplayStep stands in for both display step kinds.  Showing
// a screen is a GUI concern; running the step succeeds.
type PreparedDisplayStep struct {
	stepBase
}

func (s *PreparedDisplayStep) Run(ctx context.Context) *check.Result {
	s.begin()
	if ctx.Err() != nil {
		s.skip()
		return s.Result()
	}
	s.finish(check.Successful())
	return s.Result()
}

// PreparedPassiveStep runs an embedded passive checkout and adopts
// its combined result.
type PreparedPassiveStep struct {
	stepBase
	Config *PassiveStep
	Inner  *config.PreparedFile
}

func (s *PreparedPassiveStep) Run(ctx context.Context) *check.Result {
	s.begin()
	s.finish(s.Inner.Compare(ctx))
	return s.Result()
}

// PreparedCodeStep runs a compiled script.  A script that throws
// fails the step; a cancelled script leaves it incomplete.
type PreparedCodeStep struct {
	stepBase
	Config *CodeStep

	interp  *script.Interpreter
	program *goja.Program
}

func (s *PreparedCodeStep) Run(ctx context.Context) *check.Result {
	s.begin()
	if ctx.Err() != nil {
		s.skip()
		return s.Result()
	}

	_, err := s.interp.Exec(ctx, s.program, s.Config.SourceCode, s.Config.Arguments)
	switch {
	case ctx.Err() != nil:
		s.skip()
	case err != nil:
		s.finish(&check.Result{
			Severity:  check.Error,
			Reason:    fmt.Sprintf("script failed: %s", err),
			Timestamp: time.Now(),
		})
	default:
		s.finish(check.Successful())
	}
	return s.Result()
}

// preparedAction is one write bound to its signal.
type preparedAction struct {
	action *ValueToTarget
	signal source.Signal
}

// perform writes the value, bounded by the action's timeout, then
// waits out the settle time.
func (a *preparedAction) perform(ctx context.Context) *check.Result {
	setCtx := ctx
	if timeout, have := seconds(a.action.Timeout); have {
		var cancel context.CancelFunc
		setCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	if err := a.signal.Set(setCtx, a.action.Value); err != nil {
		return &check.Result{
			Severity:  check.Error,
			Reason:    fmt.Sprintf("%s: set to %v failed: %s", a.action.Identifier(), a.action.Value, err),
			Timestamp: time.Now(),
		}
	}

	if settle, have := seconds(a.action.SettleTime); have {
		select {
		case <-time.After(time.Duration(settle * float64(time.Second))):
		case <-ctx.Done():
			return check.Incomplete()
		}
	}

	return check.Successful()
}

// PreparedSetValueStep writes its actions in order, then evaluates
// the success criteria against fresh readings.
type PreparedSetValueStep struct {
	stepBase
	Config *SetValueStep

	actions  []*preparedAction
	criteria []*config.PreparedComparison
}

func (s *PreparedSetValueStep) Run(ctx context.Context) *check.Result {
	s.begin()

	var (
		results []*check.Result
		halted  = false
	)
	for _, a := range s.actions {
		if halted || ctx.Err() != nil {
			results = append(results, check.Incomplete())
			continue
		}
		res := a.perform(ctx)
		if s.Config.HaltOnFail && check.Error <= res.Severity {
			halted = true
		}
		if s.Config.RequireActionSuccess {
			results = append(results, res)
		}
	}

	for _, pc := range s.criteria {
		if halted {
			// A failed write makes verification meaningless.
			results = append(results, check.Incomplete())
			continue
		}
		results = append(results, pc.Compare(ctx))
	}

	s.finish(check.Combine(check.ModeAll, results))
	return s.Result()
}

// PreparedPlanStep submits its plans in order, then evaluates the
// checks.
type PreparedPlanStep struct {
	stepBase
	Config *PlanStep

	runner  plan.Runner
	state   *plan.BlueskyState
	planIDs []string
	checks  []*config.PreparedComparison
}

// PlanIDs returns the identifiers this step's runs are registered
// under, in plan order.
func (s *PreparedPlanStep) PlanIDs() []string {
	return append([]string{}, s.planIDs...)
}

func (s *PreparedPlanStep) Run(ctx context.Context) *check.Result {
	s.begin()

	var (
		results []*check.Result
		halted  = false
	)
	for i := range s.Config.Plans {
		if halted || ctx.Err() != nil {
			results = append(results, check.Incomplete())
			continue
		}
		res := s.runPlan(ctx, &s.Config.Plans[i], s.planIDs[i])
		if s.Config.HaltOnFail && check.Error <= res.Severity {
			halted = true
		}
		if s.Config.RequirePlanSuccess {
			results = append(results, res)
		}
	}

	for _, pc := range s.checks {
		if halted {
			results = append(results, check.Incomplete())
			continue
		}
		results = append(results, pc.Compare(ctx))
	}

	s.finish(check.Combine(check.ModeAll, results))
	return s.Result()
}

func (s *PreparedPlanStep) runPlan(ctx context.Context, opts *plan.Options, planID string) *check.Result {
	item := opts.Item()
	if err := s.runner.Validate(item); err != nil {
		return &check.Result{
			Severity:  check.Error,
			Reason:    fmt.Sprintf("%s: %s", planID, err),
			Timestamp: time.Now(),
		}
	}

	out, err := s.runner.Run(ctx, s.state, planID, item)
	switch {
	case err != nil:
		return &check.Result{
			Severity:  check.InternalError,
			Reason:    fmt.Sprintf("%s: %s", planID, err),
			Timestamp: time.Now(),
		}
	case !out.Success:
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("plan %q failed", opts.Plan)
		}
		return &check.Result{
			Severity:  check.Error,
			Reason:    fmt.Sprintf("%s: %s", planID, reason),
			Timestamp: time.Now(),
		}
	}
	return check.Successful()
}

