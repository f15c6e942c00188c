package procedure

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/plan"
	"github.com/pcdshub/atef/script"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/walk"
)

// StepState is where one prepared step is in its lifecycle.
type StepState int

const (
	StateNotRun StepState = iota
	StateRunning
	StateSuccess
	StateWarning
	StateError

	// StateSkipped marks steps never reached because the run was
	// cancelled or an earlier failure halted the sequence.
	StateSkipped
)

func (s StepState) String() string {
	switch s {
	case StateNotRun:
		return "not run"
	case StateRunning:
		return "running"
	case StateSuccess:
		return "success"
	case StateWarning:
		return "warning"
	case StateError:
		return "error"
	case StateSkipped:
		return "skipped"
	}
	return "unknown"
}

// PreparedStep is a step bound to live handles and ready to run.
type PreparedStep interface {
	Origin() Step

	// Run executes the step and returns its combined result.
	Run(ctx context.Context) *check.Result

	// Result combines the step outcome with the verification
	// outcome according to the step's flags.
	Result() *check.Result

	// StepResult is the step's own outcome, without verification.
	StepResult() *check.Result

	State() StepState

	Children() []PreparedStep

	// Verify records the operator's sign-off.
	Verify(passed bool, reason string)

	skip()
}

// ProcedureOptions tunes the preparation of a procedure.
type ProcedureOptions struct {
	// Workers bounds concurrency inside embedded passive
	// checkouts.
	Workers int

	// Runner executes plan steps.  Without one, plan steps fail
	// to prepare.
	Runner plan.Runner

	// Interpreter runs code steps.  Nil gets a default.
	Interpreter *script.Interpreter

	// BaseDir anchors relative passive checkout paths.
	BaseDir string
}

// PreparedProcedureFile is an active checkout bound to an
// environment, with one plan session shared by all of its plan
// steps.
type PreparedProcedureFile struct {
	ID    uuid.UUID
	File  *ProcedureFile
	Cache *source.Cache

	// State is the plan session.  It is created when the first plan
	// step binds and stays nil for procedures without one.
	State *plan.BlueskyState

	Root *PreparedProcedureGroup

	env    source.Environment
	opts   ProcedureOptions
	interp *script.Interpreter
}

// PrepareProcedure validates the document and binds every step.
// Shape problems are hard errors before any I/O; anything else that
// goes wrong becomes a FailedStep in the tree.
func PrepareProcedure(f *ProcedureFile, env source.Environment, opts *ProcedureOptions) (*PreparedProcedureFile, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	pf := &PreparedProcedureFile{
		ID:    uuid.New(),
		File:  f,
		Cache: source.NewCache(env),
		env:   env,
	}
	if opts != nil {
		pf.opts = *opts
	}
	pf.interp = pf.opts.Interpreter
	if pf.interp == nil {
		pf.interp = &script.Interpreter{}
	}

	pf.Root = pf.prepareGroup(&f.Root)
	return pf, nil
}

// Run executes the whole procedure, strictly in order.
func (pf *PreparedProcedureFile) Run(ctx context.Context) *check.Result {
	return pf.Root.Run(ctx)
}

// Result derives the current combined result.
func (pf *PreparedProcedureFile) Result() *check.Result {
	return pf.Root.Result()
}

// Walk traverses the prepared steps, root first.
func (pf *PreparedProcedureFile) Walk() *walk.Iterator[PreparedStep] {
	return walk.New[PreparedStep](pf.Root, func(s PreparedStep) []PreparedStep {
		return s.Children()
	})
}

func (pf *PreparedProcedureFile) prepareGroup(g *ProcedureGroup) *PreparedProcedureGroup {
	pg := &PreparedProcedureGroup{
		stepBase: stepBase{origin: g},
		Config:   g,
	}
	for _, s := range g.Steps {
		pg.Steps = append(pg.Steps, pf.prepareStep(s))
	}
	return pg
}

func (pf *PreparedProcedureFile) prepareStep(s Step) PreparedStep {
	switch step := s.(type) {
	case *ProcedureGroup:
		return pf.prepareGroup(step)

	case *DescriptionStep:
		return &PreparedDescriptionStep{stepBase: stepBase{origin: s}}

	case *PassiveStep:
		return pf.preparePassive(step)

	case *SetValueStep:
		return pf.prepareSetValue(step)

	case *CodeStep:
		program, err := pf.interp.Compile(context.Background(), step.SourceCode)
		if err != nil {
			return failedStep(s, err)
		}
		return &PreparedCodeStep{
			stepBase: stepBase{origin: s},
			Config:   step,
			interp:   pf.interp,
			program:  program,
		}

	case *PlanStep:
		return pf.preparePlan(step)

	case *PydmDisplayStep, *TyphosDisplayStep:
		return &PreparedDisplayStep{stepBase: stepBase{origin: s}}
	}
	return failedStep(s, fmt.Errorf("unknown step type %T", s))
}

func (pf *PreparedProcedureFile) preparePassive(step *PassiveStep) PreparedStep {
	cfg := step.Configuration
	if cfg == nil {
		path := step.Filepath
		if pf.opts.BaseDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(pf.opts.BaseDir, path)
		}
		loaded, err := config.LoadFile(path)
		if err != nil {
			return failedStep(step, err)
		}
		cfg = loaded
	}

	inner, err := config.PrepareFile(cfg, pf.env, &config.PrepareOptions{Workers: pf.opts.Workers})
	if err != nil {
		return failedStep(step, err)
	}
	return &PreparedPassiveStep{
		stepBase: stepBase{origin: step},
		Config:   step,
		Inner:    inner,
	}
}

func (pf *PreparedProcedureFile) prepareSetValue(step *SetValueStep) PreparedStep {
	ps := &PreparedSetValueStep{
		stepBase: stepBase{origin: step},
		Config:   step,
	}
	for i := range step.Actions {
		action := &step.Actions[i]
		signal, err := action.Signal(pf.Cache)
		if err != nil {
			return failedStep(step, err)
		}
		ps.actions = append(ps.actions, &preparedAction{
			action: action,
			signal: signal,
		})
	}
	for i := range step.SuccessCriteria {
		ct := &step.SuccessCriteria[i]
		signal, err := ct.Signal(pf.Cache)
		if err != nil {
			return failedStep(step, err)
		}
		ps.criteria = append(ps.criteria,
			config.NewPreparedComparison(ct.Identifier(), ct.Comparison, signal, pf.Cache))
	}
	return ps
}

func (pf *PreparedProcedureFile) preparePlan(step *PlanStep) PreparedStep {
	if pf.opts.Runner == nil {
		return failedStep(step, fmt.Errorf("no plan runner available"))
	}
	if pf.State == nil {
		pf.State = plan.NewBlueskyState()
	}

	ps := &PreparedPlanStep{
		stepBase: stepBase{origin: step},
		Config:   step,
		runner:   pf.opts.Runner,
		state:    pf.State,
	}
	for i := range step.Plans {
		name := step.Plans[i].Name
		if name == "" {
			name = step.Plans[i].Plan
		}
		ps.planIDs = append(ps.planIDs, pf.State.UniqueID(name))
	}
	for i := range step.Checks {
		ct := &step.Checks[i]
		signal, err := ct.Signal(pf.Cache)
		if err != nil {
			return failedStep(step, err)
		}
		ps.checks = append(ps.checks,
			config.NewPreparedComparison(ct.Identifier(), ct.Comparison, signal, pf.Cache))
	}
	return ps
}

// stepBase carries the lifecycle state shared by every prepared step
// kind.
type stepBase struct {
	origin Step

	mu     sync.Mutex
	state  StepState
	result *check.Result
	verify *check.Result
}

func (b *stepBase) Origin() Step { return b.origin }

func (b *stepBase) State() StepState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *stepBase) Children() []PreparedStep { return nil }

// StepResult is the step's own outcome, incomplete until it has run.
func (b *stepBase) StepResult() *check.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result == nil {
		return check.Incomplete()
	}
	return b.result
}

// Verify records the operator's sign-off on this step.
func (b *stepBase) Verify(passed bool, reason string) {
	res := &check.Result{Severity: check.Success, Reason: reason, Timestamp: time.Now()}
	if !passed {
		res.Severity = check.Error
	}
	b.mu.Lock()
	b.verify = res
	b.mu.Unlock()
}

func (b *stepBase) verifyResult() *check.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.verify == nil {
		return &check.Result{
			Severity:  check.Warning,
			Reason:    "step not verified",
			Timestamp: time.Now(),
		}
	}
	return b.verify
}

// Result folds the step outcome and verification according to the
// step's flags.  A step requiring neither reads as success.
func (b *stepBase) Result() *check.Result {
	meta := b.origin.Common()
	var results []*check.Result
	if meta.StepSuccessRequired {
		results = append(results, b.StepResult())
	}
	if meta.VerifyRequired {
		results = append(results, b.verifyResult())
	}
	return check.Combine(check.ModeAll, results)
}

func (b *stepBase) begin() {
	b.mu.Lock()
	b.state = StateRunning
	b.mu.Unlock()
}

// finish stores the outcome and maps its severity onto the state.
func (b *stepBase) finish(res *check.Result) *check.Result {
	state := StateSuccess
	switch res.Severity {
	case check.Warning:
		state = StateWarning
	case check.Error, check.InternalError:
		state = StateError
	}
	b.mu.Lock()
	b.result = res
	b.state = state
	b.mu.Unlock()
	return res
}

func (b *stepBase) skip() {
	b.mu.Lock()
	b.result = check.Incomplete()
	b.state = StateSkipped
	b.mu.Unlock()
}

// failedStep wraps a step that could not be prepared.  Running it
// reports the preparation error.
func failedStep(origin Step, err error) *FailedStep {
	return &FailedStep{
		stepBase: stepBase{origin: origin},
		Err:      err,
	}
}

// FailedStep stands in for a step whose preparation failed: a missing
// passive checkout file, a script that does not compile, a target
// that cannot be bound.
type FailedStep struct {
	stepBase
	Err error
}

func (s *FailedStep) Run(ctx context.Context) *check.Result {
	s.begin()
	s.finish(&check.Result{
		Severity:  check.Error,
		Reason:    fmt.Sprintf("%s failed to prepare: %s", s.origin.Common().Name, s.Err),
		Timestamp: time.Now(),
	})
	return s.Result()
}

var _ PreparedStep = (*FailedStep)(nil)
