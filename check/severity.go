package check

// Severity is an ordered outcome level for a comparison or step.
//
// The ordering matters: aggregation takes maximums ("all" mode) or
// minimums ("any" mode) over child severities.
type Severity int

const (
	// Success is a passing result without any issue.
	Success Severity = iota

	// Warning is a passing result with something worth noting.
	Warning

	// Error is a failing result.
	Error

	// InternalError is a failing and unexpected result, such as a
	// comparison that raised instead of returning an outcome.
	InternalError
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case InternalError:
		return "internal_error"
	}
	return "unknown"
}

// Mode gives how the results of a group combine into one.
type Mode string

const (
	// ModeAll requires every child to succeed: the combined severity
	// is the maximum over the children.
	ModeAll Mode = "all"

	// ModeAny requires at least one child to succeed: the combined
	// severity is the minimum over the children.
	ModeAny Mode = "any"
)

// MaxSeverity returns the maximum of the given severities, or Success
// when given none.
func MaxSeverity(severities []Severity) Severity {
	max := Success
	for _, s := range severities {
		if max < s {
			max = s
		}
	}
	return max
}

// MinSeverity returns the minimum of the given severities, or Success
// when given none.
func MinSeverity(severities []Severity) Severity {
	if 0 == len(severities) {
		return Success
	}
	min := severities[0]
	for _, s := range severities[1:] {
		if s < min {
			min = s
		}
	}
	return min
}
