package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/tools"
)

func f64(v float64) *float64 { return &v }

func testEnv() *source.Memory {
	m := source.NewMemory()
	m.AddSignal("AT1K4:STATE", 1.0)
	m.AddSignal("AT1K4:TEMP", 20.0)
	m.AddDevice("motor1", map[string]interface{}{
		"position": 7.5,
		"velocity": 0.0,
	})
	m.AddDevice("motor2", map[string]interface{}{
		"position": 7.5,
		"velocity": 0.1,
	})
	return m
}

func testFile() *ConfigurationFile {
	return NewFile(ConfigurationGroup{
		Metadata: Metadata{Name: "checkout"},
		Configs: ConfigurationList{
			&DeviceConfiguration{
				Metadata: Metadata{Name: "motors", Tags: []string{"motion"}},
				Devices:  []string{"motor1", "motor2"},
				ByAttr: map[string]check.ComparisonList{
					"position": {&check.Equals{Value: 7.5}},
					"velocity": {&check.LessOrEqual{Value: 0.5}},
				},
			},
			&PVConfiguration{
				Metadata: Metadata{Name: "attenuator"},
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{Value: 1.0}},
					"AT1K4:TEMP": {&check.Range{
						Low: f64(0), High: f64(50), Inclusive: true,
					}},
				},
			},
		},
	})
}

func TestPrepareAndCompare(t *testing.T) {
	ctx := context.Background()
	env := testEnv()

	pf, err := PrepareFile(testFile(), env, nil)
	if err != nil {
		t.Fatal(err)
	}

	if res := pf.Result(); res.Severity != check.Warning {
		t.Fatalf("wanted incomplete (warning) before comparing; got %s", res.Severity)
	}

	if res := pf.Compare(ctx); res.Severity != check.Success {
		t.Fatalf("wanted success; got %s (%s)", res.Severity, res.Reason)
	}

	// The same prepared tree sees fresh readings on the next run.
	sig, _ := env.Signal("AT1K4:STATE")
	sig.(*source.MemorySignal).SetValue(0.0)
	res := pf.Compare(ctx)
	if res.Severity != check.Error {
		t.Fatalf("wanted error after the state changed; got %s", res.Severity)
	}
	if pf.Result().Severity != check.Error {
		t.Fatal("derived result disagrees with the comparison")
	}
}

func TestPrepareIdempotent(t *testing.T) {
	ctx := context.Background()
	env := testEnv()
	f := testFile()

	first, err := PrepareFile(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := PrepareFile(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}

	first.Compare(ctx)
	second.Compare(ctx)

	// Binding the same file twice against the same environment
	// yields the same outcome at every node.
	a, b := first.Walk(), second.Walk()
	for {
		ea, moreA := a.Next()
		eb, moreB := b.Next()
		if moreA != moreB {
			t.Fatal("the two prepared trees differ in shape")
		}
		if !moreA {
			break
		}
		ra, rb := ea.Node.Result(), eb.Node.Result()
		if ra.Severity != rb.Severity || ra.Reason != rb.Reason {
			t.Fatalf("%q: %s (%s) vs %s (%s)",
				ea.Node.Origin().Common().Name,
				ra.Severity, ra.Reason, rb.Severity, rb.Reason)
		}
	}
}

func TestPrepareSharesHandles(t *testing.T) {
	pf, err := PrepareFile(testFile(), testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]source.Signal)
	for _, pc := range pf.Root.Configs[0].(*PreparedDeviceConfiguration).Comparisons {
		if prior, have := seen[pc.Identifier]; have && prior != pc.Signal {
			t.Fatalf("%s got two different handles", pc.Identifier)
		}
		seen[pc.Identifier] = pc.Signal
	}
	if len(seen) != 4 {
		t.Fatalf("wanted 4 device attributes; got %d", len(seen))
	}
}

func TestPrepareLocalizesFailures(t *testing.T) {
	ctx := context.Background()

	f := testFile()
	f.Root.Configs = append(f.Root.Configs, &DeviceConfiguration{
		Metadata: Metadata{Name: "ghost"},
		Devices:  []string{"motor9"},
		ByAttr: map[string]check.ComparisonList{
			"position": {&check.Equals{Value: 0.0}},
		},
	})

	pf, err := PrepareFile(f, testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}

	failures := pf.Failures()
	if len(failures) != 1 {
		t.Fatalf("wanted one prepare failure; got %d", len(failures))
	}
	if failures[0].Identifier != "motor9" {
		t.Fatalf("wanted the bad device named; got %s", failures[0].Identifier)
	}

	// The healthy siblings still ran.
	res := pf.Compare(ctx)
	if res.Severity != check.Error {
		t.Fatalf("wanted error overall; got %s", res.Severity)
	}
	motors := pf.Root.Configs[0].Result()
	if motors.Severity != check.Success {
		t.Fatalf("sibling config should still pass; got %s (%s)", motors.Severity, motors.Reason)
	}
}

func TestPrepareRejectsBadShape(t *testing.T) {
	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{
						Value:        1.0,
						ValueDynamic: &check.DynamicValue{Pvname: "OTHER:PV"},
					}},
				},
			},
		},
	})

	if _, err := PrepareFile(f, testEnv(), nil); err == nil {
		t.Fatal("wanted a hard validation error before any I/O")
	}
}

func TestAnyModeGroup(t *testing.T) {
	ctx := context.Background()

	f := NewFile(ConfigurationGroup{
		Mode: check.ModeAny,
		Configs: ConfigurationList{
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{Value: 99.0}},
				},
			},
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{Value: 1.0}},
				},
			},
		},
	})

	pf, err := PrepareFile(f, testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Compare(ctx); res.Severity != check.Success {
		t.Fatalf("wanted success with any mode; got %s (%s)", res.Severity, res.Reason)
	}
}

func TestDisconnectedSignal(t *testing.T) {
	ctx := context.Background()
	env := testEnv()

	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{
						BasicComparison: check.BasicComparison{IfDisconnected: check.Warning},
						Value:           1.0,
					}},
				},
			},
		},
	})

	sig, _ := env.Signal("AT1K4:STATE")
	sig.(*source.MemorySignal).Disconnect()

	pf, err := PrepareFile(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Compare(ctx); res.Severity != check.Warning {
		t.Fatalf("wanted the if_disconnected severity; got %s (%s)", res.Severity, res.Reason)
	}
}

func TestReducedComparison(t *testing.T) {
	ctx := context.Background()
	env := testEnv()

	now := time.Now()
	sig, _ := env.Signal("AT1K4:TEMP")
	sig.(*source.MemorySignal).SetSeries([]source.Sample{
		{Time: now, Value: 10.0},
		{Time: now, Value: 20.0},
		{Time: now, Value: 30.0},
	})

	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:TEMP": {&check.Equals{
						BasicComparison: check.BasicComparison{
							ReducePeriod: 0.1,
							ReduceMethod: check.ReduceAverage,
						},
						Value: 20.0,
					}},
				},
			},
		},
	})

	pf, err := PrepareFile(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Compare(ctx); res.Severity != check.Success {
		t.Fatalf("wanted success on the averaged series; got %s (%s)", res.Severity, res.Reason)
	}
}

func TestDynamicComparisonThroughCache(t *testing.T) {
	ctx := context.Background()
	env := testEnv()
	env.AddSignal("AT1K4:SETPOINT", 1.0)

	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&PVConfiguration{
				ByPV: map[string]check.ComparisonList{
					"AT1K4:STATE": {&check.Equals{
						ValueDynamic: &check.DynamicValue{Pvname: "AT1K4:SETPOINT"},
					}},
				},
			},
		},
	})

	pf, err := PrepareFile(f, env, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := pf.Compare(ctx); res.Severity != check.Success {
		t.Fatalf("wanted success; got %s (%s)", res.Severity, res.Reason)
	}

	// Dynamic values see the current reading on every run.
	sp, _ := env.Signal("AT1K4:SETPOINT")
	sp.(*source.MemorySignal).SetValue(5.0)
	if res := pf.Compare(ctx); res.Severity != check.Error {
		t.Fatalf("wanted error after the setpoint moved; got %s", res.Severity)
	}
}

func TestCancelledRunIsIncomplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pf, err := PrepareFile(testFile(), testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}

	res := pf.Compare(ctx)
	if res.Severity != check.Warning {
		t.Fatalf("wanted a skipped (warning) outcome; got %s (%s)", res.Severity, res.Reason)
	}
	for _, pc := range pf.Root.Configs[1].(*PreparedPVConfiguration).Comparisons {
		leaf := pc.Result()
		if leaf.Severity != check.Warning || leaf.Reason != check.ReasonIncomplete {
			t.Fatalf("wanted every leaf incomplete; got %s (%s)", leaf.Severity, leaf.Reason)
		}
	}
}

func TestCancelledReadIsIncomplete(t *testing.T) {
	eq := &check.Equals{Value: 1.0}
	reduced := &check.Equals{
		BasicComparison: check.BasicComparison{
			ReducePeriod: 5,
			ReduceMethod: check.ReduceAverage,
		},
		Value: 1.0,
	}

	// A read already in flight when the run is cancelled must not
	// read as an internal failure.
	for name, pc := range map[string]*PreparedComparison{
		"resolve": NewPreparedComparison("SLOW:PV", eq, slowSignal{}, nil),
		"sample":  NewPreparedComparison("SLOW:PV", reduced, slowSignal{}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
			res := pc.Compare(ctx)
			if res.Severity != check.Warning || res.Reason != check.ReasonIncomplete {
				t.Fatalf("wanted incomplete; got %s (%s)", res.Severity, res.Reason)
			}
		})
	}
}

type slowSignal struct{}

func (slowSignal) Name() string { return "SLOW:PV" }

func (slowSignal) Resolve(ctx context.Context) (interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowSignal) Sample(ctx context.Context, period time.Duration) ([]source.Sample, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowSignal) Set(ctx context.Context, value interface{}) error {
	return ctx.Err()
}

func TestToolMissingResultKey(t *testing.T) {
	ctx := context.Background()

	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&ToolConfiguration{
				Metadata: Metadata{Name: "network"},
				Tool:     &sparseTool{},
				ByAttr: map[string]check.ComparisonList{
					"num_alive": {&check.Equals{Value: 1.0}},
				},
			},
		},
	})

	pf, err := PrepareFile(f, testEnv(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if res := pf.Compare(ctx); res.Severity != check.InternalError {
		t.Fatalf("wanted an internal error; got %s (%s)", res.Severity, res.Reason)
	}
	leaf := pf.Root.Configs[0].(*PreparedToolConfiguration).Comparisons[0].Result()
	if !strings.Contains(leaf.Reason, `"num_alive" not found`) {
		t.Fatalf("the missing key should be named; got %q", leaf.Reason)
	}
}

// sparseTool claims every key at validation time but produces none of
// them, like a tool whose output shape changed underneath a checkout.
type sparseTool struct{}

func (sparseTool) Run(ctx context.Context) (tools.Result, error) {
	return tools.Result{"num_unresponsive": 0.0}, nil
}

func (sparseTool) CheckResultKey(key string) error { return nil }

func TestToolPrepareFailures(t *testing.T) {
	f := NewFile(ConfigurationGroup{
		Configs: ConfigurationList{
			&ToolConfiguration{
				Metadata: Metadata{Name: "network"},
				Tool:     &badKeyTool{},
				ByAttr: map[string]check.ComparisonList{
					"num_alive": {&check.Equals{Value: 1.0}},
				},
			},
		},
	})

	if _, err := PrepareFile(f, testEnv(), nil); err == nil {
		t.Fatal("wanted validation to reject the unknown result key")
	}
}

type badKeyTool struct{}

func (badKeyTool) Run(ctx context.Context) (tools.Result, error) {
	return nil, nil
}

func (badKeyTool) CheckResultKey(key string) error {
	return &check.ValueError{Value: key, Reason: "no such key"}
}
