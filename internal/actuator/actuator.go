// Package actuator applies valve directives and alarm levels to the output
// lines of the meter node.
package actuator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/water-meter/internal/gpio"
	"github.com/sweeney/water-meter/internal/logic"
)

// Defaults for the output timing.
const (
	DefaultBlinkPeriod = 100 * time.Millisecond
	DefaultPulse       = 2 * time.Second
)

// Actuator owns the valve and buzzer lines. It is driven from the control
// loop only and is not safe for concurrent use.
type Actuator struct {
	out   gpio.Outputs
	blink time.Duration
	pulse time.Duration
	sleep func(time.Duration)

	lines    logic.ValveDirective // what the lines currently assert
	position logic.ValveDirective // last direction the valve was driven

	buzzer     bool
	lastToggle time.Time
}

// New creates an actuator with every line low. A zero blink or pulse
// duration selects the default.
func New(out gpio.Outputs, blink, pulse time.Duration) *Actuator {
	if blink <= 0 {
		blink = DefaultBlinkPeriod
	}
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &Actuator{
		out:   out,
		blink: blink,
		pulse: pulse,
		sleep: time.Sleep,
	}
}

// SetSleep replaces the sleep used by Pulse. Intended for tests.
func (a *Actuator) SetSleep(fn func(time.Duration)) {
	a.sleep = fn
}

// Apply drives the valve lines to the directive and the buzzer to the alarm
// level. It never blocks: blinking is a timestamp check against now.
func (a *Actuator) Apply(now time.Time, d logic.ValveDirective, alarm logic.AlarmLevel) error {
	var errs []error
	if d != a.lines {
		if err := a.setValve(d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.applyAlarm(now, alarm); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Actuator) setValve(d logic.ValveDirective) error {
	if err := a.out.SetValve(d == logic.ValveOpen, d == logic.ValveClosed); err != nil {
		return fmt.Errorf("drive valve %s: %w", d, err)
	}
	a.lines = d
	if d != logic.ValveNeutral {
		a.position = d
	}
	return nil
}

func (a *Actuator) applyAlarm(now time.Time, alarm logic.AlarmLevel) error {
	want := a.buzzer
	switch alarm {
	case logic.AlarmSilent:
		want = false
	case logic.AlarmSteady:
		want = true
	case logic.AlarmBlink:
		if now.Sub(a.lastToggle) >= a.blink {
			want = !a.buzzer
			a.lastToggle = now
		}
	}
	if want == a.buzzer {
		return nil
	}
	if err := a.out.SetBuzzer(want); err != nil {
		return fmt.Errorf("drive buzzer: %w", err)
	}
	a.buzzer = want
	return nil
}

// Pulse drives the valve in one direction for the configured duration, then
// returns the lines to neutral. It blocks for that duration and is used only
// for explicit commands.
func (a *Actuator) Pulse(d logic.ValveDirective) error {
	if d == logic.ValveNeutral {
		return errors.New("pulse: a direction is required")
	}
	if err := a.setValve(d); err != nil {
		return err
	}
	a.sleep(a.pulse)
	return a.setValve(logic.ValveNeutral)
}

// State returns the position the valve was last driven to, or neutral if it
// has never been driven.
func (a *Actuator) State() logic.ValveDirective {
	return a.position
}

// Lines returns what the valve lines assert right now.
func (a *Actuator) Lines() logic.ValveDirective {
	return a.lines
}

// Buzzer reports whether the buzzer line is high.
func (a *Actuator) Buzzer() bool {
	return a.buzzer
}

// Close returns every output to low.
func (a *Actuator) Close() error {
	return a.out.Close()
}
