// Package source gives checkout evaluation its window on the control
// system: named signals that can be read, sampled, and written.
//
// Everything above this package works in terms of the Environment,
// Device, and Signal interfaces, so checkouts run the same way
// against live MQTT-bridged process variables and against the
// in-memory simulation used in tests.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sample is one timestamped reading from a signal.
type Sample struct {
	Time  time.Time   `json:"time"`
	Value interface{} `json:"value"`
}

// Signal is a live handle on one named value.
type Signal interface {
	// Name identifies the signal for reasons and logs.
	Name() string

	// Resolve returns the current reading.  An unreadable signal
	// returns a *DisconnectedError.
	Resolve(ctx context.Context) (interface{}, error)

	// Sample collects readings for the given period.
	Sample(ctx context.Context, period time.Duration) ([]Sample, error)

	// Set writes a value to the signal.
	Set(ctx context.Context, value interface{}) error
}

// Device is a named bundle of signals addressed by attribute.
type Device interface {
	Name() string
	Signal(attr string) (Signal, error)
}

// Environment hands out signal and device handles by name.  It is
// the only thing the preparation step needs from the outside world.
type Environment interface {
	Signal(pvname string) (Signal, error)
	Device(name string) (Device, error)
}

// DisconnectedError reports a signal that could not be read.  The
// evaluator maps it to a comparison's disconnected severity instead
// of an internal error.
type DisconnectedError struct {
	Name string
	Err  error
}

func (e *DisconnectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s is disconnected", e.Name)
	}
	return fmt.Sprintf("%s is disconnected: %s", e.Name, e.Err)
}

func (e *DisconnectedError) Unwrap() error { return e.Err }

// IsDisconnected reports whether the error chain contains a
// *DisconnectedError.
func IsDisconnected(err error) bool {
	var de *DisconnectedError
	return errors.As(err, &de)
}

// UnknownSignalError reports a PV or attribute name the environment
// has never heard of.
type UnknownSignalError struct {
	Name string
}

func (e *UnknownSignalError) Error() string {
	return fmt.Sprintf("unknown signal: %s", e.Name)
}

// UnknownDeviceError reports a device name the environment has never
// heard of.
type UnknownDeviceError struct {
	Name string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device: %s", e.Name)
}
