//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const chipName = "gpiochip0"

// echoTimeout bounds one ultrasonic measurement (about 5 m round trip).
const echoTimeout = 30 * time.Millisecond

// RealSensors reads the tilt switch, the HC-SR04 ultrasonic sensor and the
// supply voltage from actual hardware.
type RealSensors struct {
	chip    *gpiocdev.Chip
	tilt    *gpiocdev.Line
	trigger *gpiocdev.Line
	echo    *gpiocdev.Line
	adc     ADC

	mu        sync.Mutex
	riseAt    time.Duration
	echoWidth chan time.Duration
}

// NewRealSensors requests the sensor lines.
func NewRealSensors(pins Pins, adc ADC) (*RealSensors, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	s := &RealSensors{
		chip:      chip,
		adc:       adc,
		echoWidth: make(chan time.Duration, 1),
	}

	// The tilt switch closes to ground.
	s.tilt, err = chip.RequestLine(pins.Tilt, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("request tilt pin %d: %w", pins.Tilt, err)
	}

	s.trigger, err = chip.RequestLine(pins.Trigger, gpiocdev.AsOutput(0))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("request trigger pin %d: %w", pins.Trigger, err)
	}

	s.echo, err = chip.RequestLine(pins.Echo, gpiocdev.AsInput, gpiocdev.WithBothEdges, gpiocdev.WithEventHandler(s.onEcho))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("request echo pin %d: %w", pins.Echo, err)
	}

	return s, nil
}

// onEcho measures the echo pulse width from kernel event timestamps.
func (s *RealSensors) onEcho(evt gpiocdev.LineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		s.riseAt = evt.Timestamp
	case gpiocdev.LineEventFallingEdge:
		if s.riseAt == 0 {
			return
		}
		width := evt.Timestamp - s.riseAt
		s.riseAt = 0
		select {
		case s.echoWidth <- width:
		default:
		}
	}
}

// Read samples tilt, distance and voltage.
func (s *RealSensors) Read() (Sample, error) {
	var sample Sample

	tilt, err := s.tilt.Value()
	if err != nil {
		return sample, fmt.Errorf("read tilt pin: %w", err)
	}
	sample.Tilted = tilt == 1

	sample.DistanceCM, err = s.distance()
	if err != nil {
		return sample, err
	}

	sample.Voltage, err = readADC(s.adc)
	if err != nil {
		return sample, err
	}

	return sample, nil
}

func (s *RealSensors) distance() (float64, error) {
	// Discard a stale width from an earlier timed-out measurement.
	select {
	case <-s.echoWidth:
	default:
	}

	if err := s.trigger.SetValue(1); err != nil {
		return 0, fmt.Errorf("set trigger: %w", err)
	}
	time.Sleep(10 * time.Microsecond)
	if err := s.trigger.SetValue(0); err != nil {
		return 0, fmt.Errorf("clear trigger: %w", err)
	}

	select {
	case width := <-s.echoWidth:
		return echoToCM(width.Seconds()), nil
	case <-time.After(echoTimeout):
		return 0, errors.New("ultrasonic echo timeout")
	}
}

// Close releases sensor lines, leaving them as inputs with pull-down.
func (s *RealSensors) Close() error {
	var errs []error
	for _, l := range []*gpiocdev.Line{s.tilt, s.trigger, s.echo} {
		if l == nil {
			continue
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if s.chip != nil {
		if err := s.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RealOutputs drives the valve direction lines and the buzzer.
type RealOutputs struct {
	chip       *gpiocdev.Chip
	valveOpen  *gpiocdev.Line
	valveClose *gpiocdev.Line
	buzzer     *gpiocdev.Line
}

// NewRealOutputs requests the output lines, all initially low.
func NewRealOutputs(pins Pins) (*RealOutputs, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	o := &RealOutputs{chip: chip}

	o.valveOpen, err = chip.RequestLine(pins.ValveOpen, gpiocdev.AsOutput(0))
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("request valve open pin %d: %w", pins.ValveOpen, err)
	}
	o.valveClose, err = chip.RequestLine(pins.ValveClose, gpiocdev.AsOutput(0))
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("request valve close pin %d: %w", pins.ValveClose, err)
	}
	o.buzzer, err = chip.RequestLine(pins.Buzzer, gpiocdev.AsOutput(0))
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("request buzzer pin %d: %w", pins.Buzzer, err)
	}
	return o, nil
}

// SetValve deasserts before it asserts so both lines are never high together.
func (o *RealOutputs) SetValve(open, closed bool) error {
	if open && closed {
		return errors.New("valve: open and close requested together")
	}
	if !open {
		if err := o.valveOpen.SetValue(0); err != nil {
			return fmt.Errorf("clear valve open: %w", err)
		}
	}
	if !closed {
		if err := o.valveClose.SetValue(0); err != nil {
			return fmt.Errorf("clear valve close: %w", err)
		}
	}
	if open {
		if err := o.valveOpen.SetValue(1); err != nil {
			return fmt.Errorf("set valve open: %w", err)
		}
	}
	if closed {
		if err := o.valveClose.SetValue(1); err != nil {
			return fmt.Errorf("set valve close: %w", err)
		}
	}
	return nil
}

func (o *RealOutputs) SetBuzzer(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := o.buzzer.SetValue(v); err != nil {
		return fmt.Errorf("set buzzer: %w", err)
	}
	return nil
}

// Close drives every output low, then returns the lines to input with
// pull-down to match the boot defaults.
func (o *RealOutputs) Close() error {
	var errs []error
	for _, l := range []*gpiocdev.Line{o.valveOpen, o.valveClose, o.buzzer} {
		if l == nil {
			continue
		}
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear pin: %w", err))
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if o.chip != nil {
		if err := o.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

// PulseWatcher counts falling edges on the flow sensor line. The event
// handler touches nothing but the counter.
type PulseWatcher struct {
	line *gpiocdev.Line
}

// NewPulseWatcher starts watching the flow line.
func NewPulseWatcher(pin int, counter Counter) (*PulseWatcher, error) {
	line, err := gpiocdev.RequestLine(chipName, pin,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { counter.Add(1) }),
	)
	if err != nil {
		return nil, fmt.Errorf("request flow pin %d: %w", pin, err)
	}
	return &PulseWatcher{line: line}, nil
}

// Close stops watching.
func (w *PulseWatcher) Close() error {
	if err := w.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		w.line.Close()
		return fmt.Errorf("reconfigure flow pin: %w", err)
	}
	return w.line.Close()
}
