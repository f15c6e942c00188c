package procedure

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/config"
	"github.com/pcdshub/atef/plan"
	"github.com/pcdshub/atef/source"
)

func noVerify() StepMeta {
	return StepMeta{StepSuccessRequired: true}
}

func testProcEnv(t *testing.T) *source.Memory {
	t.Helper()
	env := source.NewMemory()
	env.AddSignal("AT1K4:STATE", "out")
	env.AddSignal("AT1K4:SETPOINT", float64(0))
	env.AddDevice("motor1", map[string]interface{}{
		"position": float64(0),
		"velocity": float64(2),
	})
	return env
}

func TestSetValueStep(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	step := &SetValueStep{
		StepMeta: noVerify(),
		Actions: []ValueToTarget{
			{
				Target: Target{Pv: "AT1K4:SETPOINT"},
				Value:  float64(10),
			},
			{
				Target: Target{Device: "motor1", Attr: "position"},
				Value:  float64(5),
			},
		},
		SuccessCriteria: []ComparisonToTarget{
			{
				Target:     Target{Pv: "AT1K4:SETPOINT"},
				Comparison: &check.Equals{Value: float64(10)},
			},
			{
				Target:     Target{Device: "motor1", Attr: "position"},
				Comparison: &check.Equals{Value: float64(5)},
			},
		},
		HaltOnFail:           true,
		RequireActionSuccess: true,
	}

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps:    StepList{step},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Success {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	v, err := env.Signal("AT1K4:SETPOINT")
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(10) {
		t.Fatalf("write lost: %v", got)
	}
}

func TestSetValueStepHaltOnFail(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	bad := env.AddSignal("AT1K4:BROKEN", float64(0))
	bad.Disconnect()

	step := &SetValueStep{
		StepMeta: noVerify(),
		Actions: []ValueToTarget{
			{Target: Target{Pv: "AT1K4:BROKEN"}, Value: float64(1)},
			{Target: Target{Pv: "AT1K4:SETPOINT"}, Value: float64(10)},
		},
		SuccessCriteria: []ComparisonToTarget{
			{
				Target:     Target{Pv: "AT1K4:SETPOINT"},
				Comparison: &check.Equals{Value: float64(10)},
			},
		},
		HaltOnFail:           true,
		RequireActionSuccess: true,
	}

	f := NewProcedureFile(ProcedureGroup{StepMeta: noVerify(), Steps: StepList{step}})
	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	// The failed write halts the step before the second action.
	sig, err := env.Signal("AT1K4:SETPOINT")
	if err != nil {
		t.Fatal(err)
	}
	got, err := sig.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != float64(0) {
		t.Fatalf("write happened after a halt: %v", got)
	}

	// Verification never ran against the pre-write value.
	criteria := pf.Root.Steps[0].(*PreparedSetValueStep).criteria
	if reason := criteria[0].Result().Reason; reason != check.ReasonIncomplete {
		t.Fatalf("criteria should be skipped; got %q", reason)
	}
}

func TestVerification(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: StepMeta{Name: "root", StepSuccessRequired: true},
		Steps: StepList{
			&DescriptionStep{
				StepMeta: StepMeta{
					Name:                "read the runbook",
					VerifyRequired:      true,
					StepSuccessRequired: true,
				},
			},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Warning {
		t.Fatalf("unverified step should warn; got %s: %s", res.Severity, res.Reason)
	}
	if !strings.Contains(res.Reason, "not verified") {
		t.Fatalf("got reason %q", res.Reason)
	}

	pf.Root.Steps[0].Verify(true, "looks good")
	if res = pf.Result(); res.Severity != check.Success {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	pf.Root.Steps[0].Verify(false, "gauge reads wrong")
	if res = pf.Result(); res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
}

func TestStopOnFailure(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta:      noVerify(),
		StopOnFailure: true,
		Steps: StepList{
			&CodeStep{
				StepMeta:   StepMeta{Name: "broken", StepSuccessRequired: true},
				SourceCode: "throw new Error('no beam');",
			},
			&DescriptionStep{StepMeta: StepMeta{Name: "after", StepSuccessRequired: true}},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	after := pf.Root.Steps[1]
	if after.State() != StateSkipped {
		t.Fatalf("second step should be skipped; got %s", after.State())
	}
	if got := after.StepResult(); got.Reason != check.ReasonIncomplete {
		t.Fatalf("got %q", got.Reason)
	}
}

func TestCodeStep(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&CodeStep{
				StepMeta:   noVerify(),
				SourceCode: "if (_.args.threshold < 10) throw new Error('too low'); return true;",
				Arguments:  map[string]interface{}{"threshold": 20},
			},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Run(ctx); res.Severity != check.Success {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	f.Root.Steps[0].(*CodeStep).Arguments["threshold"] = 5
	pf, err = PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
	if !strings.Contains(res.Reason, "script failed") {
		t.Fatalf("got reason %q", res.Reason)
	}
}

func TestCodeStepCompileFailureIsLocalized(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&CodeStep{
				StepMeta:   StepMeta{Name: "syntax", StepSuccessRequired: true},
				SourceCode: "this is not javascript",
			},
			&DescriptionStep{StepMeta: noVerify()},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, is := pf.Root.Steps[0].(*FailedStep); !is {
		t.Fatalf("wanted a failed step; got %T", pf.Root.Steps[0])
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
	if !strings.Contains(res.Reason, "failed to prepare") {
		t.Fatalf("got reason %q", res.Reason)
	}
	if got := pf.Root.Steps[1].Result(); got.Severity != check.Success {
		t.Fatalf("sibling should still run; got %s: %s", got.Severity, got.Reason)
	}
}

func TestPassiveStepInline(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	inner := config.NewFile(config.ConfigurationGroup{
		Configs: config.ConfigurationList{
			&config.PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{Value: "out"}},
				},
			},
		},
	})

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PassiveStep{
				StepMeta:      noVerify(),
				Configuration: inner,
			},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Run(ctx); res.Severity != check.Success {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	sig, err := env.Signal("AT1K4:STATE")
	if err != nil {
		t.Fatal(err)
	}
	sig.(*source.MemorySignal).SetValue("in")

	pf, err = PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Run(ctx); res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
}

func TestPassiveStepMissingFile(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PassiveStep{
				StepMeta: StepMeta{Name: "missing", StepSuccessRequired: true},
				Filepath: "does-not-exist.yaml",
			},
		},
	})

	pf, err := PrepareProcedure(f, env, &ProcedureOptions{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
	if !strings.Contains(res.Reason, "failed to prepare") {
		t.Fatalf("got reason %q", res.Reason)
	}
}

func TestPlanStep(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	runner := plan.NewLocalRunner()
	runner.Register("move", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		sig, err := env.Signal("AT1K4:SETPOINT")
		if err != nil {
			return err
		}
		target, _ := kwargs["target"].(float64)
		return sig.Set(ctx, target)
	})

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PlanStep{
				StepMeta: noVerify(),
				Plans: []plan.Options{
					{Plan: "move", Kwargs: map[string]interface{}{"target": float64(7)}},
				},
				Checks: []ComparisonToTarget{
					{
						Target:     Target{Pv: "AT1K4:SETPOINT"},
						Comparison: &check.Equals{Value: float64(7)},
					},
				},
				HaltOnFail:         true,
				RequirePlanSuccess: true,
			},
		},
	})

	pf, err := PrepareProcedure(f, env, &ProcedureOptions{Runner: runner})
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Success {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}

	ps := pf.Root.Steps[0].(*PreparedPlanStep)
	ids := ps.PlanIDs()
	if len(ids) != 1 {
		t.Fatalf("got %#v", ids)
	}
	if runs := pf.State.Runs(ids[0]); len(runs) != 1 {
		t.Fatalf("run not registered: %#v", runs)
	}
}

func TestPlanSessionLazilyCreated(t *testing.T) {
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps:    StepList{&DescriptionStep{StepMeta: noVerify()}},
	})
	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pf.State != nil {
		t.Fatal("no plan step bound; there should be no session")
	}

	f = NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PlanStep{
				StepMeta: noVerify(),
				Plans:    []plan.Options{{Plan: "move"}},
			},
		},
	})
	pf, err = PrepareProcedure(f, env, &ProcedureOptions{Runner: plan.NewLocalRunner()})
	if err != nil {
		t.Fatal(err)
	}
	if pf.State == nil {
		t.Fatal("binding a plan step should create the session")
	}
}

func TestPlanStepFailure(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	runner := plan.NewLocalRunner()
	runner.Register("broken", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		return errors.New("detector offline")
	})

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PlanStep{
				StepMeta: noVerify(),
				Plans: []plan.Options{
					{Plan: "broken"},
					{Plan: "broken", Name: "second try"},
				},
				Checks: []ComparisonToTarget{
					{
						Target:     Target{Pv: "AT1K4:STATE"},
						Comparison: &check.Equals{Value: "out"},
					},
				},
				HaltOnFail:         true,
				RequirePlanSuccess: true,
			},
		},
	})

	pf, err := PrepareProcedure(f, env, &ProcedureOptions{Runner: runner})
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
	if !strings.Contains(res.Reason, "detector offline") {
		t.Fatalf("got reason %q", res.Reason)
	}
}

func TestPlanStepWithoutRunner(t *testing.T) {
	ctx := context.Background()
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&PlanStep{
				StepMeta: StepMeta{Name: "orphan", StepSuccessRequired: true},
				Plans:    []plan.Options{{Plan: "move"}},
			},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Run(ctx)
	if res.Severity != check.Error {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
}

func TestCancelledProcedure(t *testing.T) {
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: noVerify(),
		Steps: StepList{
			&DescriptionStep{StepMeta: noVerify()},
			&DescriptionStep{StepMeta: noVerify()},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := pf.Run(ctx)
	if res.Severity != check.Warning {
		t.Fatalf("got %s: %s", res.Severity, res.Reason)
	}
	for i, s := range pf.Root.Steps {
		if s.State() != StateSkipped {
			t.Fatalf("step %d: got state %s", i, s.State())
		}
	}
}

func TestProcedureWalk(t *testing.T) {
	env := testProcEnv(t)

	f := NewProcedureFile(ProcedureGroup{
		StepMeta: StepMeta{Name: "root"},
		Steps: StepList{
			&ProcedureGroup{
				StepMeta: StepMeta{Name: "inner"},
				Steps: StepList{
					&DescriptionStep{StepMeta: StepMeta{Name: "leaf"}},
				},
			},
		},
	})

	pf, err := PrepareProcedure(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	it := pf.Walk()
	for {
		e, more := it.Next()
		if !more {
			break
		}
		names = append(names, e.Node.Origin().Common().Name)
	}

	want := []string{"root", "inner", "leaf"}
	if len(names) != len(want) {
		t.Fatalf("got %#v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %#v; wanted %#v", names, want)
		}
	}
}
