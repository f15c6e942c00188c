package check

import "fmt"

// ComparisonError reports a comparison that did not pass, along with
// the severity the outcome should carry.  A warning-band Range match
// is a ComparisonError with Warning severity.
type ComparisonError struct {
	Severity Severity
	Reason   string
}

func (e *ComparisonError) Error() string {
	return e.Reason
}

// DynamicValueError reports a dynamic value that could not be
// resolved at evaluation time.
type DynamicValueError struct {
	Value *DynamicValue
	Err   error
}

func (e *DynamicValueError) Error() string {
	return fmt.Sprintf("failed to resolve %s: %s", e.Value.Describe(), e.Err)
}

// ValueError reports an observed or expected value that a comparison
// could not work with, such as a non-numeric value given to Range.
type ValueError struct {
	Value  interface{}
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s: %#v", e.Reason, e.Value)
}
