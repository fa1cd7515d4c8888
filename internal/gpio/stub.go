//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealSensors is not available on non-Linux platforms.
type RealSensors struct{}

// NewRealSensors returns an error on non-Linux platforms.
func NewRealSensors(Pins, ADC) (*RealSensors, error) { return nil, errUnsupported }

func (s *RealSensors) Read() (Sample, error) { return Sample{}, errUnsupported }
func (s *RealSensors) Close() error          { return nil }

// RealOutputs is not available on non-Linux platforms.
type RealOutputs struct{}

// NewRealOutputs returns an error on non-Linux platforms.
func NewRealOutputs(Pins) (*RealOutputs, error) { return nil, errUnsupported }

func (o *RealOutputs) SetValve(open, closed bool) error { return errUnsupported }
func (o *RealOutputs) SetBuzzer(on bool) error          { return errUnsupported }
func (o *RealOutputs) Close() error                     { return nil }

// PulseWatcher is not available on non-Linux platforms.
type PulseWatcher struct{}

// NewPulseWatcher returns an error on non-Linux platforms.
func NewPulseWatcher(int, Counter) (*PulseWatcher, error) { return nil, errUnsupported }

func (w *PulseWatcher) Close() error { return nil }
