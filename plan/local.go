package plan

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Func is a plan body for the local runner.
type Func func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error

// LocalRunner executes plans in-process from a registry of Go
// functions.  It backs simulated checkouts and tests; a deployment
// talking to a real queue service implements Runner against that
// service instead.
type LocalRunner struct {
	mu    sync.Mutex
	plans map[string]Func
}

// NewLocalRunner returns an empty registry.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{plans: make(map[string]Func)}
}

// Register adds or replaces a plan.
func (r *LocalRunner) Register(name string, fn Func) {
	r.mu.Lock()
	r.plans[name] = fn
	r.mu.Unlock()
}

func (r *LocalRunner) lookup(item map[string]interface{}) (Func, string, error) {
	name, is := item["name"].(string)
	if !is || name == "" {
		return nil, "", fmt.Errorf("queue item without a plan name")
	}
	if t, is := item["item_type"].(string); is && t != "plan" {
		return nil, "", fmt.Errorf("unsupported item type %q", t)
	}
	r.mu.Lock()
	fn, have := r.plans[name]
	r.mu.Unlock()
	if !have {
		return nil, "", fmt.Errorf("unknown plan %q", name)
	}
	return fn, name, nil
}

// Validate checks that the item names a registered plan.
func (r *LocalRunner) Validate(item map[string]interface{}) error {
	_, _, err := r.lookup(item)
	return err
}

// Run executes the plan, registering one generated run on the state.
func (r *LocalRunner) Run(ctx context.Context, state *BlueskyState, planID string, item map[string]interface{}) (*Outcome, error) {
	fn, name, err := r.lookup(item)
	if err != nil {
		return nil, err
	}

	args, _ := item["args"].([]interface{})
	kwargs, _ := item["kwargs"].(map[string]interface{})

	runUUID := uuid.NewString()
	if state != nil {
		state.RegisterRun(planID, runUUID)
	}

	if err := fn(ctx, args, kwargs); err != nil {
		return &Outcome{
			RunUUIDs: []string{runUUID},
			Reason:   fmt.Sprintf("plan %q failed: %s", name, err),
		}, nil
	}
	return &Outcome{RunUUIDs: []string{runUUID}, Success: true}, nil
}
