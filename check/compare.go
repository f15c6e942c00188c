package check

import (
	"context"
	"fmt"
	"time"
)

// Evaluate runs one comparison against an observed value and always
// returns a Result, never panics or propagates errors.
//
// A nil observed value means the signal was unreadable and maps to
// the comparison's disconnected severity.  The Resolver may be nil
// when the comparison has no dynamic values.
func Evaluate(ctx context.Context, c Comparison, value interface{}, r Resolver) *Result {
	meta := c.Meta()

	if value == nil {
		return &Result{
			Severity:  meta.DisconnectedSeverity(),
			Reason:    "value unset (unable to read the signal)",
			Timestamp: time.Now(),
		}
	}
	if err := ctx.Err(); err != nil {
		return Incomplete()
	}

	var (
		passed   bool
		err      error
		children []*Result
	)
	if any, is := c.(*AnyComparison); is {
		passed, children = evaluateAny(ctx, any, value, r)
	} else {
		passed, err = c.compare(ctx, value, r)
	}

	if err != nil {
		res := FromError(err)
		res.Children = children
		return res
	}

	if meta.Invert {
		passed = !passed
	}

	if passed {
		res := Successful()
		res.Children = children
		return res
	}
	return &Result{
		Severity:  meta.FailureSeverity(),
		Reason:    fmt.Sprintf("%v is not %s", value, c.Describe()),
		Timestamp: time.Now(),
		Children:  children,
	}
}

// evaluateAny evaluates every child so that the combined Result keeps
// all of their outcomes, not just the first passing one.
func evaluateAny(ctx context.Context, c *AnyComparison, value interface{}, r Resolver) (bool, []*Result) {
	children := make([]*Result, 0, len(c.Comparisons))
	passed := false
	for _, child := range c.Comparisons {
		res := Evaluate(ctx, child, value, r)
		children = append(children, res)
		if res.Severity == Success {
			passed = true
		}
	}
	return passed, children
}
