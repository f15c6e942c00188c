package check

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Comparison is one check against a single observed value.
//
// A Comparison is pure data: it can be serialized, shared across many
// prepared signals, and evaluated any number of times.  Evaluation
// never mutates it.
type Comparison interface {
	// Meta returns the settings shared by every comparison kind.
	Meta() *BasicComparison

	// Describe renders the check in a human-readable form for
	// reasons and summaries.
	Describe() string

	// Validate checks the comparison's own shape, in particular
	// that each expected value is either static or dynamic but not
	// both.  It does no I/O.
	Validate() error

	// compare reports whether the observed value passes.  A
	// non-nil error bypasses the usual pass/fail handling: a
	// *ComparisonError carries its own severity (Range warning
	// bands, ValueSet entries) and is never inverted, and any
	// other error is an internal error.
	compare(ctx context.Context, value interface{}, r Resolver) (bool, error)
}

// BasicComparison holds the settings common to every comparison kind.
//
// A zero SeverityOnFailure or IfDisconnected means Error; Success as
// an explicit failure severity is not representable.
type BasicComparison struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Invert flips a passing outcome to failing and vice versa.
	// Warning-band outcomes are not inverted.
	Invert bool `json:"invert,omitempty"`

	// ReducePeriod, in seconds, asks the evaluator to sample the
	// signal for that long and fold the samples with ReduceMethod
	// before comparing.
	ReducePeriod float64      `json:"reduce_period,omitempty"`
	ReduceMethod ReduceMethod `json:"reduce_method,omitempty"`

	// AsString coerces both sides to their string forms before
	// comparing.
	AsString bool `json:"string,omitempty"`

	SeverityOnFailure Severity `json:"severity_on_failure,omitempty"`

	// IfDisconnected is the severity when the signal cannot be
	// read at all.
	IfDisconnected Severity `json:"if_disconnected,omitempty"`
}

// Meta makes every embedding comparison kind satisfy part of the
// Comparison interface.
func (b *BasicComparison) Meta() *BasicComparison { return b }

// FailureSeverity is the severity of a plain failing outcome.
func (b *BasicComparison) FailureSeverity() Severity {
	if b.SeverityOnFailure == Success {
		return Error
	}
	return b.SeverityOnFailure
}

// DisconnectedSeverity is the severity to use when the observed
// signal is unreadable.
func (b *BasicComparison) DisconnectedSeverity() Severity {
	if b.IfDisconnected == Success {
		return Error
	}
	return b.IfDisconnected
}

// resolveValue picks the static value or the current reading of the
// dynamic one.  Dynamic values are resolved fresh on every call.
func resolveValue(ctx context.Context, static interface{}, dyn *DynamicValue, r Resolver) (interface{}, error) {
	if dyn == nil {
		return static, nil
	}
	if r == nil {
		return nil, &DynamicValueError{Value: dyn, Err: fmt.Errorf("no resolver available")}
	}
	v, err := r.ResolveDynamic(ctx, dyn)
	if err != nil {
		return nil, &DynamicValueError{Value: dyn, Err: err}
	}
	return v, nil
}

func exactlyOne(what string, static bool, dyn *DynamicValue) error {
	if static == (dyn != nil) {
		return &ValueError{Value: what, Reason: "want either a static value or a dynamic one, not both or neither"}
	}
	return dyn.Validate()
}

// Equals passes when the observed value equals the expected one,
// optionally within a relative or absolute tolerance.
type Equals struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`

	Rtol *float64 `json:"rtol,omitempty"`
	Atol *float64 `json:"atol,omitempty"`
}

func (c *Equals) Describe() string {
	return describeValue("equal to", c.Value, c.ValueDynamic, c.Rtol, c.Atol)
}

func (c *Equals) Validate() error {
	return exactlyOne("Equals.value", c.Value != nil, c.ValueDynamic)
}

func (c *Equals) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	expected, err := resolveValue(ctx, c.Value, c.ValueDynamic, r)
	if err != nil {
		return false, err
	}
	return equalWithin(value, expected, c.Rtol, c.Atol, c.AsString)
}

// NotEquals is the negation of Equals with the same tolerances.
type NotEquals struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`

	Rtol *float64 `json:"rtol,omitempty"`
	Atol *float64 `json:"atol,omitempty"`
}

func (c *NotEquals) Describe() string {
	return describeValue("not equal to", c.Value, c.ValueDynamic, c.Rtol, c.Atol)
}

func (c *NotEquals) Validate() error {
	return exactlyOne("NotEquals.value", c.Value != nil, c.ValueDynamic)
}

func (c *NotEquals) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	expected, err := resolveValue(ctx, c.Value, c.ValueDynamic, r)
	if err != nil {
		return false, err
	}
	ok, err := equalWithin(value, expected, c.Rtol, c.Atol, c.AsString)
	return !ok, err
}

// Greater passes when the observed value is strictly greater than the
// expected one.
type Greater struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`
}

func (c *Greater) Describe() string {
	return describeValue("greater than", c.Value, c.ValueDynamic, nil, nil)
}

func (c *Greater) Validate() error {
	return exactlyOne("Greater.value", c.Value != nil, c.ValueDynamic)
}

func (c *Greater) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	return orderedCompare(ctx, &c.BasicComparison, value, c.Value, c.ValueDynamic, r,
		func(cmp int) bool { return cmp > 0 })
}

// GreaterOrEqual passes when the observed value is at least the
// expected one.
type GreaterOrEqual struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`
}

func (c *GreaterOrEqual) Describe() string {
	return describeValue("greater than or equal to", c.Value, c.ValueDynamic, nil, nil)
}

func (c *GreaterOrEqual) Validate() error {
	return exactlyOne("GreaterOrEqual.value", c.Value != nil, c.ValueDynamic)
}

func (c *GreaterOrEqual) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	return orderedCompare(ctx, &c.BasicComparison, value, c.Value, c.ValueDynamic, r,
		func(cmp int) bool { return cmp >= 0 })
}

// Less passes when the observed value is strictly less than the
// expected one.
type Less struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`
}

func (c *Less) Describe() string {
	return describeValue("less than", c.Value, c.ValueDynamic, nil, nil)
}

func (c *Less) Validate() error {
	return exactlyOne("Less.value", c.Value != nil, c.ValueDynamic)
}

func (c *Less) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	return orderedCompare(ctx, &c.BasicComparison, value, c.Value, c.ValueDynamic, r,
		func(cmp int) bool { return cmp < 0 })
}

// LessOrEqual passes when the observed value is at most the expected
// one.
type LessOrEqual struct {
	BasicComparison

	Value        interface{}   `json:"value,omitempty"`
	ValueDynamic *DynamicValue `json:"value_dynamic,omitempty"`
}

func (c *LessOrEqual) Describe() string {
	return describeValue("less than or equal to", c.Value, c.ValueDynamic, nil, nil)
}

func (c *LessOrEqual) Validate() error {
	return exactlyOne("LessOrEqual.value", c.Value != nil, c.ValueDynamic)
}

func (c *LessOrEqual) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	return orderedCompare(ctx, &c.BasicComparison, value, c.Value, c.ValueDynamic, r,
		func(cmp int) bool { return cmp <= 0 })
}

// Range passes when the observed value lies inside [Low, High].  An
// optional inner warning band [WarnLow, WarnHigh] turns readings
// between the two bands into warnings instead of failures.
type Range struct {
	BasicComparison

	Low         *float64      `json:"low,omitempty"`
	LowDynamic  *DynamicValue `json:"low_dynamic,omitempty"`
	High        *float64      `json:"high,omitempty"`
	HighDynamic *DynamicValue `json:"high_dynamic,omitempty"`

	WarnLow         *float64      `json:"warn_low,omitempty"`
	WarnLowDynamic  *DynamicValue `json:"warn_low_dynamic,omitempty"`
	WarnHigh        *float64      `json:"warn_high,omitempty"`
	WarnHighDynamic *DynamicValue `json:"warn_high_dynamic,omitempty"`

	// Inclusive applies the bounds with <= instead of <.  Documents
	// that omit it get inclusive bounds.
	Inclusive bool `json:"inclusive"`
}

func (c *Range) Describe() string {
	desc := fmt.Sprintf("in range [%s, %s]", boundStr(c.Low, c.LowDynamic), boundStr(c.High, c.HighDynamic))
	if c.hasWarnBand() {
		desc += fmt.Sprintf(" (warn outside [%s, %s])",
			boundStr(c.WarnLow, c.WarnLowDynamic), boundStr(c.WarnHigh, c.WarnHighDynamic))
	}
	if !c.Inclusive {
		desc += " (exclusive)"
	}
	return desc
}

func (c *Range) hasWarnBand() bool {
	return c.WarnLow != nil || c.WarnLowDynamic != nil || c.WarnHigh != nil || c.WarnHighDynamic != nil
}

func boundStr(static *float64, dyn *DynamicValue) string {
	if dyn != nil {
		return dyn.Describe()
	}
	if static == nil {
		return "?"
	}
	return fmt.Sprintf("%v", *static)
}

func (c *Range) Validate() error {
	if err := exactlyOne("Range.low", c.Low != nil, c.LowDynamic); err != nil {
		return err
	}
	if err := exactlyOne("Range.high", c.High != nil, c.HighDynamic); err != nil {
		return err
	}
	warnLow := c.WarnLow != nil || c.WarnLowDynamic != nil
	warnHigh := c.WarnHigh != nil || c.WarnHighDynamic != nil
	if warnLow != warnHigh {
		return &ValueError{Value: "Range", Reason: "warning band needs both warn_low and warn_high"}
	}
	if warnLow {
		if err := exactlyOne("Range.warn_low", c.WarnLow != nil, c.WarnLowDynamic); err != nil {
			return err
		}
		if err := exactlyOne("Range.warn_high", c.WarnHigh != nil, c.WarnHighDynamic); err != nil {
			return err
		}
	}
	return nil
}

func (c *Range) bound(ctx context.Context, static *float64, dyn *DynamicValue, r Resolver) (float64, error) {
	var sv interface{}
	if static != nil {
		sv = *static
	}
	v, err := resolveValue(ctx, sv, dyn, r)
	if err != nil {
		return 0, err
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, &ValueError{Value: v, Reason: "range bound is not numeric"}
	}
	return f, nil
}

func (c *Range) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	f, ok := ToFloat(value)
	if !ok {
		return false, &ValueError{Value: value, Reason: "range comparison wants a numeric value"}
	}

	low, err := c.bound(ctx, c.Low, c.LowDynamic, r)
	if err != nil {
		return false, err
	}
	high, err := c.bound(ctx, c.High, c.HighDynamic, r)
	if err != nil {
		return false, err
	}

	within := func(lo, hi float64) bool {
		if c.Inclusive {
			return lo <= f && f <= hi
		}
		return lo < f && f < hi
	}

	if !within(low, high) {
		return false, nil
	}

	if !c.hasWarnBand() {
		return true, nil
	}
	warnLow, err := c.bound(ctx, c.WarnLow, c.WarnLowDynamic, r)
	if err != nil {
		return false, err
	}
	warnHigh, err := c.bound(ctx, c.WarnHigh, c.WarnHighDynamic, r)
	if err != nil {
		return false, err
	}
	if !within(warnLow, warnHigh) {
		return false, &ComparisonError{
			Severity: Warning,
			Reason:   fmt.Sprintf("%v is outside the warning band [%v, %v]", value, warnLow, warnHigh),
		}
	}
	return true, nil
}

// ValueEntry is one acceptable value in a ValueSet, with the severity
// a match should produce.
type ValueEntry struct {
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`

	Rtol *float64 `json:"rtol,omitempty"`
	Atol *float64 `json:"atol,omitempty"`

	// Severity of a match.  Success accepts the reading; Warning
	// or Error flags a known state worth reporting.
	Severity Severity `json:"severity"`
}

// ValueSet passes when the observed value matches an entry whose
// severity is Success.  Entries are tried in order and the first
// match wins, so known-bad states can be listed with their own
// severities ahead of a catch-all.
type ValueSet struct {
	BasicComparison

	Values []ValueEntry `json:"values"`

	// ValuesDynamic, when set, resolves to a sequence of
	// acceptable values, each matching with Success severity.
	ValuesDynamic *DynamicValue `json:"values_dynamic,omitempty"`
}

func (c *ValueSet) Describe() string {
	if c.ValuesDynamic != nil {
		return fmt.Sprintf("one of %s", c.ValuesDynamic.Describe())
	}
	parts := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		parts = append(parts, fmt.Sprintf("%v (%s)", v.Value, v.Severity))
	}
	return "one of " + strings.Join(parts, ", ")
}

func (c *ValueSet) Validate() error {
	return exactlyOne("ValueSet.values", len(c.Values) != 0, c.ValuesDynamic)
}

func (c *ValueSet) entries(ctx context.Context, r Resolver) ([]ValueEntry, error) {
	if c.ValuesDynamic == nil {
		return c.Values, nil
	}
	v, err := resolveValue(ctx, nil, c.ValuesDynamic, r)
	if err != nil {
		return nil, err
	}
	seq, is := v.([]interface{})
	if !is {
		return nil, &ValueError{Value: v, Reason: "dynamic value set did not resolve to a sequence"}
	}
	entries := make([]ValueEntry, 0, len(seq))
	for _, x := range seq {
		entries = append(entries, ValueEntry{Value: x, Severity: Success})
	}
	return entries, nil
}

func (c *ValueSet) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	entries, err := c.entries(ctx, r)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		ok, err := equalWithin(value, entry.Value, entry.Rtol, entry.Atol, c.AsString)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if entry.Severity == Success {
			return true, nil
		}
		reason := entry.Description
		if reason == "" {
			reason = fmt.Sprintf("%v matched a %s entry", value, entry.Severity)
		}
		return false, &ComparisonError{Severity: entry.Severity, Reason: reason}
	}
	return false, nil
}

// AnyValue passes when the observed value equals any of the listed
// values.
type AnyValue struct {
	BasicComparison

	Values []interface{} `json:"values"`

	ValuesDynamic *DynamicValue `json:"values_dynamic,omitempty"`
}

func (c *AnyValue) Describe() string {
	if c.ValuesDynamic != nil {
		return fmt.Sprintf("one of %s", c.ValuesDynamic.Describe())
	}
	parts := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return "one of " + strings.Join(parts, ", ")
}

func (c *AnyValue) Validate() error {
	return exactlyOne("AnyValue.values", len(c.Values) != 0, c.ValuesDynamic)
}

func (c *AnyValue) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	values := c.Values
	if c.ValuesDynamic != nil {
		v, err := resolveValue(ctx, nil, c.ValuesDynamic, r)
		if err != nil {
			return false, err
		}
		seq, is := v.([]interface{})
		if !is {
			return false, &ValueError{Value: v, Reason: "dynamic value list did not resolve to a sequence"}
		}
		values = seq
	}
	for _, candidate := range values {
		ok, err := equalWithin(value, candidate, nil, nil, c.AsString)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AnyComparison passes when any of its child comparisons passes
// against the same observed value.  Every child's Result is kept on
// the combined Result.
type AnyComparison struct {
	BasicComparison

	Comparisons ComparisonList `json:"comparisons"`
}

func (c *AnyComparison) Describe() string {
	parts := make([]string, 0, len(c.Comparisons))
	for _, child := range c.Comparisons {
		parts = append(parts, child.Describe())
	}
	return "any of: " + strings.Join(parts, "; ")
}

func (c *AnyComparison) Validate() error {
	if 0 == len(c.Comparisons) {
		return &ValueError{Value: "AnyComparison", Reason: "no child comparisons"}
	}
	for _, child := range c.Comparisons {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *AnyComparison) compare(ctx context.Context, value interface{}, r Resolver) (bool, error) {
	// Evaluate reaches this union through evaluateAny to keep the
	// child results; delegate so the fold lives in one place.
	passed, _ := evaluateAny(ctx, c, value, r)
	return passed, nil
}

func describeValue(relation string, static interface{}, dyn *DynamicValue, rtol, atol *float64) string {
	var target string
	if dyn != nil {
		target = dyn.Describe()
	} else {
		target = fmt.Sprintf("%v", static)
	}
	desc := fmt.Sprintf("%s %s", relation, target)
	if rtol != nil || atol != nil {
		var tols []string
		if rtol != nil {
			tols = append(tols, fmt.Sprintf("rtol=%v", *rtol))
		}
		if atol != nil {
			tols = append(tols, fmt.Sprintf("atol=%v", *atol))
		}
		desc += " (" + strings.Join(tols, ", ") + ")"
	}
	return desc
}

// equalWithin is the shared equality test.  Numeric values compare
// within |a-b| <= atol + rtol*|b|; everything else compares exactly.
func equalWithin(value, expected interface{}, rtol, atol *float64, asString bool) (bool, error) {
	if asString {
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", expected), nil
	}
	vf, vok := ToFloat(value)
	ef, eok := ToFloat(expected)
	if vok && eok {
		if rtol == nil && atol == nil {
			return vf == ef, nil
		}
		var tol float64
		if atol != nil {
			tol = *atol
		}
		if rtol != nil {
			tol += *rtol * abs(ef)
		}
		return abs(vf-ef) <= tol, nil
	}
	return reflect.DeepEqual(value, expected), nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// orderedCompare implements the four ordering comparisons over
// numbers and, when both sides are strings, lexicographic order.
func orderedCompare(ctx context.Context, b *BasicComparison, value, static interface{}, dyn *DynamicValue, r Resolver, accept func(int) bool) (bool, error) {
	expected, err := resolveValue(ctx, static, dyn, r)
	if err != nil {
		return false, err
	}

	var cmp int
	if b.AsString {
		cmp = strings.Compare(fmt.Sprintf("%v", value), fmt.Sprintf("%v", expected))
	} else if vf, vok := ToFloat(value); vok {
		ef, eok := ToFloat(expected)
		if !eok {
			return false, &ValueError{Value: expected, Reason: "expected value is not numeric"}
		}
		switch {
		case vf < ef:
			cmp = -1
		case vf > ef:
			cmp = 1
		}
	} else if vs, is := value.(string); is {
		es, eok := expected.(string)
		if !eok {
			return false, &ValueError{Value: expected, Reason: "cannot order a string against a non-string"}
		}
		cmp = strings.Compare(vs, es)
	} else {
		return false, &ValueError{Value: value, Reason: "value is not orderable"}
	}

	return accept(cmp), nil
}
