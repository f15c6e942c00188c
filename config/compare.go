package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/tools"
)

// PreparedGroup runs its children in order and combines their
// results with the group's mode.
type PreparedGroup struct {
	Config   *ConfigurationGroup
	Configs  []PreparedConfiguration
	Failures []*FailedConfiguration
}

func (g *PreparedGroup) Origin() Configuration { return g.Config }

func (g *PreparedGroup) Children() []PreparedConfiguration { return g.Configs }

func (g *PreparedGroup) Compare(ctx context.Context) *check.Result {
	for _, c := range g.Configs {
		c.Compare(ctx)
	}
	return g.Result()
}

// Result combines the children with the group's mode.  Preparation
// failures force at least an error regardless of mode: a checkout
// that could not fully bind must not read as passing.
func (g *PreparedGroup) Result() *check.Result {
	results := make([]*check.Result, 0, len(g.Configs)+len(g.Failures))
	for _, c := range g.Configs {
		results = append(results, c.Result())
	}
	for _, f := range g.Failures {
		results = append(results, f.Result())
	}
	res := check.Combine(g.Config.Mode, results)
	if 0 < len(g.Failures) && res.Severity < check.Error {
		res.Severity = check.Error
		res.Reason = fmt.Sprintf("%d configurations failed to prepare", len(g.Failures))
	}
	return res
}

// PreparedDeviceConfiguration holds the expanded device x attribute
// x comparison leaves for one device configuration.
type PreparedDeviceConfiguration struct {
	Config      *DeviceConfiguration
	Comparisons []*PreparedComparison
	Failures    []*FailedConfiguration

	sem chan struct{}
}

func (d *PreparedDeviceConfiguration) Origin() Configuration { return d.Config }

func (d *PreparedDeviceConfiguration) Children() []PreparedConfiguration { return nil }

func (d *PreparedDeviceConfiguration) Compare(ctx context.Context) *check.Result {
	runComparisons(ctx, d.sem, d.Comparisons)
	return d.Result()
}

func (d *PreparedDeviceConfiguration) Result() *check.Result {
	return leafResult(d.Comparisons, d.Failures)
}

// PreparedPVConfiguration holds the expanded PV x comparison leaves
// for one PV configuration.
type PreparedPVConfiguration struct {
	Config      *PVConfiguration
	Comparisons []*PreparedComparison
	Failures    []*FailedConfiguration

	sem chan struct{}
}

func (p *PreparedPVConfiguration) Origin() Configuration { return p.Config }

func (p *PreparedPVConfiguration) Children() []PreparedConfiguration { return nil }

func (p *PreparedPVConfiguration) Compare(ctx context.Context) *check.Result {
	runComparisons(ctx, p.sem, p.Comparisons)
	return p.Result()
}

func (p *PreparedPVConfiguration) Result() *check.Result {
	return leafResult(p.Comparisons, p.Failures)
}

// PreparedToolConfiguration runs its tool once per Compare and
// checks fields of the shared result.
type PreparedToolConfiguration struct {
	Config      *ToolConfiguration
	Comparisons []*PreparedToolComparison
	Failures    []*FailedConfiguration

	cache *source.Cache
	sem   chan struct{}
}

func (t *PreparedToolConfiguration) Origin() Configuration { return t.Config }

func (t *PreparedToolConfiguration) Children() []PreparedConfiguration { return nil }

func (t *PreparedToolConfiguration) Compare(ctx context.Context) *check.Result {
	res, err := t.Config.Tool.Run(ctx)

	var wg sync.WaitGroup
	for _, pc := range t.Comparisons {
		wg.Add(1)
		go func(pc *PreparedToolComparison) {
			defer wg.Done()
			acquire(ctx, t.sem, func() {
				pc.compareWith(ctx, res, err, t.cache)
			})
		}(pc)
	}
	wg.Wait()

	return t.Result()
}

func (t *PreparedToolConfiguration) Result() *check.Result {
	results := make([]*check.Result, 0, len(t.Comparisons)+len(t.Failures))
	for _, pc := range t.Comparisons {
		results = append(results, pc.Result())
	}
	for _, f := range t.Failures {
		results = append(results, f.Result())
	}
	return check.Combine(check.ModeAll, results)
}

// PreparedComparison is one comparison bound to one signal.  The
// handle is shared with every other comparison on the same signal;
// the comparison itself may be shared across many signals and is
// never mutated.
type PreparedComparison struct {
	// Identifier names the signal in reasons: "device.attr" or a
	// PV name.
	Identifier string

	Comparison check.Comparison
	Signal     source.Signal

	cache *source.Cache

	mu   sync.Mutex
	last *check.Result
}

// NewPreparedComparison binds a comparison to a signal outside of
// file preparation.  Procedure success criteria use this to evaluate
// the same way passive checkouts do.
func NewPreparedComparison(identifier string, c check.Comparison, signal source.Signal, cache *source.Cache) *PreparedComparison {
	return &PreparedComparison{
		Identifier: identifier,
		Comparison: c,
		Signal:     signal,
		cache:      cache,
	}
}

// Result returns the latest outcome, or incomplete before the first
// Compare.
func (pc *PreparedComparison) Result() *check.Result {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.last == nil {
		return check.Incomplete()
	}
	return pc.last
}

// Compare reads the signal, reduces if asked, evaluates, and stores
// the outcome.
func (pc *PreparedComparison) Compare(ctx context.Context) *check.Result {
	res := pc.compareNow(ctx)
	pc.mu.Lock()
	pc.last = res
	pc.mu.Unlock()
	return res
}

func (pc *PreparedComparison) compareNow(ctx context.Context) *check.Result {
	if ctx.Err() != nil {
		return check.Incomplete()
	}

	meta := pc.Comparison.Meta()

	var value interface{}
	if 0 < meta.ReducePeriod {
		period := time.Duration(meta.ReducePeriod * float64(time.Second))
		samples, err := pc.Signal.Sample(ctx, period)
		switch {
		case source.IsDisconnected(err):
			value = nil
		case err != nil:
			return readFailure(pc.Identifier, err)
		default:
			values := make([]interface{}, 0, len(samples))
			for _, s := range samples {
				values = append(values, s.Value)
			}
			reduced, err := meta.ReduceMethod.ReduceValues(values)
			if err != nil {
				return identified(pc.Identifier, check.FromError(err))
			}
			value = reduced
		}
	} else {
		v, err := pc.Signal.Resolve(ctx)
		switch {
		case source.IsDisconnected(err):
			value = nil
		case err != nil:
			return readFailure(pc.Identifier, err)
		default:
			value = v
		}
	}

	return identified(pc.Identifier, check.Evaluate(ctx, pc.Comparison, value, pc.cache))
}

// PreparedToolComparison is one comparison against one field of a
// tool run.
type PreparedToolComparison struct {
	// Identifier is the dotted result key.
	Identifier string

	Comparison check.Comparison
	ResultKey  string

	mu   sync.Mutex
	last *check.Result
}

func (pc *PreparedToolComparison) Result() *check.Result {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.last == nil {
		return check.Incomplete()
	}
	return pc.last
}

// compareWith evaluates against an already-run tool result.  A failed
// tool run counts as a disconnected value; a key the result does not
// contain is its own failure so a typo never reads as a down tool.
func (pc *PreparedToolComparison) compareWith(ctx context.Context, res tools.Result, runErr error, cache *source.Cache) *check.Result {
	var value interface{}
	if runErr == nil {
		v, err := tools.Value(res, pc.ResultKey)
		if err != nil {
			out := identified(pc.Identifier, check.FromError(err))
			pc.mu.Lock()
			pc.last = out
			pc.mu.Unlock()
			return out
		}
		value = v
	}

	out := identified(pc.Identifier, check.Evaluate(ctx, pc.Comparison, value, cache))

	pc.mu.Lock()
	pc.last = out
	pc.mu.Unlock()
	return out
}

func leafResult(comparisons []*PreparedComparison, failures []*FailedConfiguration) *check.Result {
	results := make([]*check.Result, 0, len(comparisons)+len(failures))
	for _, pc := range comparisons {
		results = append(results, pc.Result())
	}
	for _, f := range failures {
		results = append(results, f.Result())
	}
	return check.Combine(check.ModeAll, results)
}

// readFailure maps a failed read onto a result.  A read aborted by
// cancellation is incomplete, not an internal failure, so an aborted
// run stays distinguishable from a broken one.
func readFailure(identifier string, err error) *check.Result {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return check.Incomplete()
	}
	return identified(identifier, check.FromError(err))
}

// identified prefixes a result's reason with the signal or key it
// came from.
func identified(identifier string, res *check.Result) *check.Result {
	if res.Reason != "" {
		res.Reason = identifier + ": " + res.Reason
	}
	return res
}

// runComparisons evaluates leaves concurrently, bounded by the
// file-wide worker semaphore.  A cancelled context still visits every
// leaf so each records an incomplete outcome.
func runComparisons(ctx context.Context, sem chan struct{}, comparisons []*PreparedComparison) {
	var wg sync.WaitGroup
	for _, pc := range comparisons {
		wg.Add(1)
		go func(pc *PreparedComparison) {
			defer wg.Done()
			acquire(ctx, sem, func() {
				pc.Compare(ctx)
			})
		}(pc)
	}
	wg.Wait()
}

// acquire runs fn holding a semaphore slot.  After cancellation fn
// still runs, without a slot, so it can record its skipped outcome.
func acquire(ctx context.Context, sem chan struct{}, fn func()) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
	}
	fn()
}
