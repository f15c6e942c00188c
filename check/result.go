package check

import (
	"fmt"
	"time"
)

// ReasonIncomplete marks a Result for work that never ran, usually
// because a run was cancelled or an earlier step halted the sequence.
const ReasonIncomplete = "step incomplete"

// Result is the outcome of one comparison, configuration, or step.
//
// Group-level Results carry their children so that a caller can walk
// the full outcome tree after a run.
type Result struct {
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`

	Children []*Result `json:"children,omitempty"`
}

// Successful returns a fresh passing Result.
func Successful() *Result {
	return &Result{Severity: Success, Timestamp: time.Now()}
}

// Incomplete returns the Result for work that was skipped or not yet
// run.  It is a warning, not an error, so that a cancelled run is
// distinguishable from a failed one.
func Incomplete() *Result {
	return &Result{
		Severity:  Warning,
		Reason:    ReasonIncomplete,
		Timestamp: time.Now(),
	}
}

// FromError converts an error into a Result.  A *ComparisonError keeps
// its own severity; anything else is an internal error.
func FromError(err error) *Result {
	if err == nil {
		return Successful()
	}
	if ce, is := err.(*ComparisonError); is {
		return &Result{
			Severity:  ce.Severity,
			Reason:    ce.Reason,
			Timestamp: time.Now(),
		}
	}
	return &Result{
		Severity:  InternalError,
		Reason:    err.Error(),
		Timestamp: time.Now(),
	}
}

// Combine folds child Results into one according to the given Mode.
//
// ModeAll takes the maximum child severity and ModeAny the minimum.
// No children means success either way.  The children are retained on
// the combined Result.
func Combine(mode Mode, results []*Result) *Result {
	severities := make([]Severity, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		severities = append(severities, r.Severity)
	}

	var severity Severity
	switch mode {
	case ModeAny:
		severity = MinSeverity(severities)
	case ModeAll, "":
		severity = MaxSeverity(severities)
	default:
		return &Result{
			Severity:  InternalError,
			Reason:    fmt.Sprintf("unknown result mode: %s", mode),
			Timestamp: time.Now(),
			Children:  results,
		}
	}

	var reason string
	if Success < severity {
		for _, r := range results {
			if r == nil || r.Severity != severity || r.Reason == "" {
				continue
			}
			reason = r.Reason
			break
		}
	}

	return &Result{
		Severity:  severity,
		Reason:    reason,
		Timestamp: time.Now(),
		Children:  results,
	}
}
