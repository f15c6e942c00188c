package source

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Environment for tests and simulated
// checkouts.  Signals are created up front and can be reassigned,
// fed a canned sample series, or marked disconnected at any time.
type Memory struct {
	mu      sync.Mutex
	signals map[string]*MemorySignal
	devices map[string]*MemoryDevice
}

// NewMemory returns an empty environment.
func NewMemory() *Memory {
	return &Memory{
		signals: make(map[string]*MemorySignal),
		devices: make(map[string]*MemoryDevice),
	}
}

// AddSignal creates (or replaces) a signal with an initial value.
func (m *Memory) AddSignal(name string, value interface{}) *MemorySignal {
	s := &MemorySignal{name: name, value: value}
	m.mu.Lock()
	m.signals[name] = s
	m.mu.Unlock()
	return s
}

// AddDevice creates (or replaces) a device whose attributes start at
// the given values.
func (m *Memory) AddDevice(name string, attrs map[string]interface{}) *MemoryDevice {
	d := &MemoryDevice{name: name, signals: make(map[string]*MemorySignal)}
	for attr, value := range attrs {
		d.signals[attr] = &MemorySignal{name: name + "." + attr, value: value}
	}
	m.mu.Lock()
	m.devices[name] = d
	m.mu.Unlock()
	return d
}

func (m *Memory) Signal(pvname string) (Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, have := m.signals[pvname]
	if !have {
		return nil, &UnknownSignalError{Name: pvname}
	}
	return s, nil
}

func (m *Memory) Device(name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, have := m.devices[name]
	if !have {
		return nil, &UnknownDeviceError{Name: name}
	}
	return d, nil
}

// MemoryDevice is a Device backed by in-memory signals.
type MemoryDevice struct {
	name    string
	mu      sync.Mutex
	signals map[string]*MemorySignal
}

func (d *MemoryDevice) Name() string { return d.name }

func (d *MemoryDevice) Signal(attr string) (Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, have := d.signals[attr]
	if !have {
		return nil, &UnknownSignalError{Name: d.name + "." + attr}
	}
	return s, nil
}

// Attr returns the underlying signal for direct manipulation in
// tests.
func (d *MemoryDevice) Attr(attr string) *MemorySignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals[attr]
}

// MemorySignal is a Signal holding a value in memory.
type MemorySignal struct {
	name string

	mu           sync.Mutex
	value        interface{}
	series       []Sample
	disconnected bool
}

func (s *MemorySignal) Name() string { return s.name }

// SetValue reassigns the current reading.
func (s *MemorySignal) SetValue(value interface{}) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

// SetSeries installs the canned samples that Sample will return.
func (s *MemorySignal) SetSeries(samples []Sample) {
	s.mu.Lock()
	s.series = append([]Sample{}, samples...)
	s.mu.Unlock()
}

// Disconnect makes every read fail with a DisconnectedError until
// Reconnect.
func (s *MemorySignal) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

func (s *MemorySignal) Reconnect() {
	s.mu.Lock()
	s.disconnected = false
	s.mu.Unlock()
}

func (s *MemorySignal) Resolve(ctx context.Context) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return nil, &DisconnectedError{Name: s.name}
	}
	return s.value, nil
}

// Sample returns the canned series when one is installed, and
// otherwise a handful of copies of the current value.  No simulated
// time passes.
func (s *MemorySignal) Sample(ctx context.Context, period time.Duration) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return nil, &DisconnectedError{Name: s.name}
	}
	if s.series != nil {
		return append([]Sample{}, s.series...), nil
	}
	now := time.Now()
	samples := make([]Sample, 0, 5)
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{Time: now, Value: s.value})
	}
	return samples, nil
}

func (s *MemorySignal) Set(ctx context.Context, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return &DisconnectedError{Name: s.name}
	}
	s.value = value
	return nil
}
