package source

import (
	"context"
	"sync"

	"github.com/pcdshub/atef/check"
)

// Cache wraps an Environment and hands out at most one Signal per
// distinct PV or (device, attribute) pair.  Preparing a big checkout
// touches the same signals over and over; the cache keeps that to one
// handle each.
//
// A Cache is safe for concurrent use.
type Cache struct {
	env Environment

	mu      sync.Mutex
	signals map[string]Signal
	devices map[string]Device
}

// NewCache wraps the environment.
func NewCache(env Environment) *Cache {
	return &Cache{
		env:     env,
		signals: make(map[string]Signal),
		devices: make(map[string]Device),
	}
}

// Signal returns the cached handle for a PV, asking the environment
// on the first request.
func (c *Cache) Signal(pvname string) (Signal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, have := c.signals[pvname]; have {
		return s, nil
	}
	s, err := c.env.Signal(pvname)
	if err != nil {
		return nil, err
	}
	c.signals[pvname] = s
	return s, nil
}

// Device returns the cached handle for a device.
func (c *Cache) Device(name string) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, have := c.devices[name]; have {
		return d, nil
	}
	d, err := c.env.Device(name)
	if err != nil {
		return nil, err
	}
	c.devices[name] = d
	return d, nil
}

// DeviceSignal returns the cached handle for one device attribute.
func (c *Cache) DeviceSignal(device, attr string) (Signal, error) {
	key := device + "." + attr

	c.mu.Lock()
	if s, have := c.signals[key]; have {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	d, err := c.Device(device)
	if err != nil {
		return nil, err
	}
	s, err := d.Signal(attr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.signals[key] = s
	c.mu.Unlock()
	return s, nil
}

// ResolveDynamic reads the current value behind a dynamic reference.
// It satisfies check.Resolver, so comparisons with dynamic expected
// values resolve through the same handles as everything else.
func (c *Cache) ResolveDynamic(ctx context.Context, dv *check.DynamicValue) (interface{}, error) {
	var (
		s   Signal
		err error
	)
	if dv.Pvname != "" {
		s, err = c.Signal(dv.Pvname)
	} else {
		s, err = c.DeviceSignal(dv.DeviceName, dv.SignalAttr)
	}
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx)
}
