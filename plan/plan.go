// Package plan is the boundary between procedure steps and a plan
// execution service.  Steps queue plans by name with arguments; a
// Runner validates and executes them; BlueskyState remembers which
// runs belong to which step so later checks can find their data.
package plan

import (
	"context"
	"fmt"
	"sync"
)

// Options describes one plan submission.
type Options struct {
	// Name identifies this submission within its step.
	Name string `json:"name,omitempty"`

	// Plan is the plan's registered name.
	Plan string `json:"plan"`

	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`

	// FixedArguments names kwargs an editor must not touch.
	FixedArguments []string `json:"fixed_arguments,omitempty"`
}

// Item renders the submission as a queue item.
func (o *Options) Item() map[string]interface{} {
	args := o.Args
	if args == nil {
		args = []interface{}{}
	}
	kwargs := o.Kwargs
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return map[string]interface{}{
		"item_type": "plan",
		"name":      o.Plan,
		"args":      args,
		"kwargs":    kwargs,
	}
}

// Outcome is what one plan run produced.
type Outcome struct {
	// RunUUIDs identify the data runs the plan generated.
	RunUUIDs []string `json:"run_uuids"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Runner executes plans somewhere.
type Runner interface {
	// Validate checks a queue item without running it.
	Validate(item map[string]interface{}) error

	// Run executes the item, registering generated runs on the
	// state under the plan identifier.
	Run(ctx context.Context, state *BlueskyState, planID string, item map[string]interface{}) (*Outcome, error)
}

// BlueskyState is the per-session bookkeeping shared by every plan
// step in one prepared procedure.
type BlueskyState struct {
	mu   sync.Mutex
	runs map[string][]string
	ids  map[string]int
}

// NewBlueskyState returns empty bookkeeping.
func NewBlueskyState() *BlueskyState {
	return &BlueskyState{
		runs: make(map[string][]string),
		ids:  make(map[string]int),
	}
}

// UniqueID reserves an identifier based on name, appending a counter
// when the name is already taken.
func (s *BlueskyState) UniqueID(name string) string {
	if name == "" {
		name = "plan"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ids[name]
	s.ids[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n+1)
}

// RegisterRun records a generated run under a plan identifier.
func (s *BlueskyState) RegisterRun(planID, runUUID string) {
	s.mu.Lock()
	s.runs[planID] = append(s.runs[planID], runUUID)
	s.mu.Unlock()
}

// Runs returns the recorded runs for a plan identifier.
func (s *BlueskyState) Runs(planID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.runs[planID]...)
}
