package config

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pcdshub/atef/check"
	"github.com/pcdshub/atef/source"
	"github.com/pcdshub/atef/walk"
)

// DefaultWorkers bounds concurrent comparison evaluation when the
// caller does not say otherwise.
const DefaultWorkers = 4

// PrepareOptions tunes the preparation of a file.
type PrepareOptions struct {
	// Workers bounds how many comparisons run at once.
	Workers int
}

// PreparedConfiguration is a configuration bound to live handles and
// ready to run.
type PreparedConfiguration interface {
	// Origin is the configuration this was prepared from.
	Origin() Configuration

	// Compare runs everything under this node and returns the
	// combined result.
	Compare(ctx context.Context) *check.Result

	// Result derives the combined result from the latest
	// comparison outcomes.  Before any Compare, everything is
	// incomplete.
	Result() *check.Result

	// Children returns nested prepared configurations.
	Children() []PreparedConfiguration
}

// FailedConfiguration records one part of a checkout that could not
// be prepared: a bad device name, an unknown attribute, a tool result
// key the tool does not produce.  It holds an error-severity result
// in place of whatever would have run.
type FailedConfiguration struct {
	Config     Configuration
	Identifier string
	Err        error
}

// Result is always an error.
func (f *FailedConfiguration) Result() *check.Result {
	return &check.Result{
		Severity:  check.Error,
		Reason:    fmt.Sprintf("%s failed to prepare: %s", f.Identifier, f.Err),
		Timestamp: time.Now(),
	}
}

// PreparedFile is a checkout bound to an environment, identified by a
// fresh run id.  Preparing the same file again gives an equivalent
// tree with a new id; preparation itself does no comparing.
type PreparedFile struct {
	ID    uuid.UUID
	File  *ConfigurationFile
	Cache *source.Cache
	Root  *PreparedGroup

	sem chan struct{}
}

// PrepareFile validates the document and binds every comparison to
// its signal.  Shape problems (a comparison with both a static and a
// dynamic value, an unknown group mode) are hard errors before any
// I/O; everything else that goes wrong is localized into the tree as
// FailedConfigurations.
func PrepareFile(f *ConfigurationFile, env source.Environment, opts *PrepareOptions) (*PreparedFile, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	workers := DefaultWorkers
	if opts != nil && 0 < opts.Workers {
		workers = opts.Workers
	}

	pf := &PreparedFile{
		ID:    uuid.New(),
		File:  f,
		Cache: source.NewCache(env),
		sem:   make(chan struct{}, workers),
	}
	pf.Root = pf.prepareGroup(&f.Root)
	return pf, nil
}

// Compare runs the whole checkout.
func (pf *PreparedFile) Compare(ctx context.Context) *check.Result {
	return pf.Root.Compare(ctx)
}

// Result derives the current combined result.
func (pf *PreparedFile) Result() *check.Result {
	return pf.Root.Result()
}

// Walk traverses the prepared tree, root first.
func (pf *PreparedFile) Walk() *walk.Iterator[PreparedConfiguration] {
	return walk.New[PreparedConfiguration](pf.Root, func(c PreparedConfiguration) []PreparedConfiguration {
		return c.Children()
	})
}

// Failures collects every preparation failure in the tree.
func (pf *PreparedFile) Failures() []*FailedConfiguration {
	var failures []*FailedConfiguration
	it := pf.Walk()
	for {
		e, more := it.Next()
		if !more {
			return failures
		}
		switch c := e.Node.(type) {
		case *PreparedGroup:
			failures = append(failures, c.Failures...)
		case *PreparedDeviceConfiguration:
			failures = append(failures, c.Failures...)
		case *PreparedPVConfiguration:
			failures = append(failures, c.Failures...)
		case *PreparedToolConfiguration:
			failures = append(failures, c.Failures...)
		}
	}
}

func (pf *PreparedFile) prepareGroup(g *ConfigurationGroup) *PreparedGroup {
	pg := &PreparedGroup{Config: g}
	for _, cfg := range g.Configs {
		switch c := cfg.(type) {
		case *ConfigurationGroup:
			pg.Configs = append(pg.Configs, pf.prepareGroup(c))
		case *DeviceConfiguration:
			pg.Configs = append(pg.Configs, pf.prepareDevice(c))
		case *PVConfiguration:
			pg.Configs = append(pg.Configs, pf.preparePV(c))
		case *ToolConfiguration:
			pg.Configs = append(pg.Configs, pf.prepareTool(c))
		default:
			pg.Failures = append(pg.Failures, &FailedConfiguration{
				Config:     cfg,
				Identifier: cfg.Common().Name,
				Err:        fmt.Errorf("unknown configuration type %T", cfg),
			})
		}
	}
	return pg
}

// prepareDevice expands devices x attributes x comparisons, sharing
// one signal handle per (device, attribute) through the cache.  A bad
// device or attribute fails just its own expansion.
func (pf *PreparedFile) prepareDevice(d *DeviceConfiguration) *PreparedDeviceConfiguration {
	pd := &PreparedDeviceConfiguration{Config: d, sem: pf.sem}
	for _, device := range d.Devices {
		if _, err := pf.Cache.Device(device); err != nil {
			pd.Failures = append(pd.Failures, &FailedConfiguration{
				Config:     d,
				Identifier: device,
				Err:        err,
			})
			continue
		}
		for _, attr := range sortedKeys(d.ByAttr) {
			identifier := device + "." + attr
			signal, err := pf.Cache.DeviceSignal(device, attr)
			if err != nil {
				pd.Failures = append(pd.Failures, &FailedConfiguration{
					Config:     d,
					Identifier: identifier,
					Err:        err,
				})
				continue
			}
			for _, c := range append(append(check.ComparisonList{}, d.ByAttr[attr]...), d.Shared...) {
				pd.Comparisons = append(pd.Comparisons, &PreparedComparison{
					Identifier: identifier,
					Comparison: c,
					Signal:     signal,
					cache:      pf.Cache,
				})
			}
		}
	}
	return pd
}

func (pf *PreparedFile) preparePV(p *PVConfiguration) *PreparedPVConfiguration {
	pp := &PreparedPVConfiguration{Config: p, sem: pf.sem}
	for _, pvname := range sortedKeys(p.ByPV) {
		signal, err := pf.Cache.Signal(pvname)
		if err != nil {
			pp.Failures = append(pp.Failures, &FailedConfiguration{
				Config:     p,
				Identifier: pvname,
				Err:        err,
			})
			continue
		}
		for _, c := range append(append(check.ComparisonList{}, p.ByPV[pvname]...), p.Shared...) {
			pp.Comparisons = append(pp.Comparisons, &PreparedComparison{
				Identifier: pvname,
				Comparison: c,
				Signal:     signal,
				cache:      pf.Cache,
			})
		}
	}
	return pp
}

func (pf *PreparedFile) prepareTool(t *ToolConfiguration) *PreparedToolConfiguration {
	pt := &PreparedToolConfiguration{Config: t, cache: pf.Cache, sem: pf.sem}
	for _, key := range sortedKeys(t.ByAttr) {
		if err := t.Tool.CheckResultKey(key); err != nil {
			pt.Failures = append(pt.Failures, &FailedConfiguration{
				Config:     t,
				Identifier: key,
				Err:        err,
			})
			continue
		}
		for _, c := range append(append(check.ComparisonList{}, t.ByAttr[key]...), t.Shared...) {
			pt.Comparisons = append(pt.Comparisons, &PreparedToolComparison{
				Identifier: key,
				ResultKey:  key,
				Comparison: c,
			})
		}
	}
	return pt
}
