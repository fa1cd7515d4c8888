package logic

import "time"

// Settings persists values that survive a restart.
type Settings interface {
	SaveCalibration(v float64) error
	SaveDoorTolerance(v float64) error
}

// Config holds the control loop timing.
type Config struct {
	AccountInterval   time.Duration
	TelemetryInterval time.Duration
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		AccountInterval:   DefaultAccountInterval,
		TelemetryInterval: DefaultTelemetryInterval,
	}
}

// Cycle is the outcome of one control step.
type Cycle struct {
	Directive ValveDirective
	Alarm     AlarmLevel
	Telemetry []Telemetry
	Accounted bool
}

// Controller runs the metering and interlock cycle over a Device.
type Controller struct {
	dev      *Device
	pulses   *PulseCounter
	settings Settings
	cfg      Config

	lastAccount   time.Time
	lastTelemetry time.Time

	door       Edge
	lowVoltage Edge
	exhausted  Edge
}

// NewController creates a controller. The start time is the reference for
// the first accounting and telemetry intervals.
func NewController(dev *Device, pulses *PulseCounter, settings Settings, cfg Config, start time.Time) *Controller {
	return &Controller{
		dev:           dev,
		pulses:        pulses,
		settings:      settings,
		cfg:           cfg,
		lastAccount:   start,
		lastTelemetry: start,
		door:          NewEdge(false),
		lowVoltage:    NewEdge(false),
		exhausted:     NewEdge(false),
	}
}

// Device returns the controlled state.
func (c *Controller) Device() *Device {
	return c.dev
}

// Step processes one sensor reading and returns the directive, alarm and any
// telemetry due this cycle.
func (c *Controller) Step(r Reading) Cycle {
	var cycle Cycle
	now := r.Time

	c.dev.Sense(r)

	if elapsed := now.Sub(c.lastAccount); elapsed >= c.cfg.AccountInterval {
		Account(c.dev, c.pulses.Drain(), elapsed)
		c.lastAccount = now
		cycle.Accounted = true
	}

	in := c.dev.Inputs()
	cycle.Directive, cycle.Alarm = Evaluate(in)
	cycle.Telemetry = c.edgeTelemetry(in, now)

	if now.Sub(c.lastTelemetry) >= c.cfg.TelemetryInterval {
		c.lastTelemetry = now
		cycle.Telemetry = append(cycle.Telemetry, c.snapshot(now, StatusNormal))
	}

	return cycle
}

// edgeTelemetry feeds the edge detectors and returns the snapshots they trigger.
func (c *Controller) edgeTelemetry(in InterlockInputs, now time.Time) []Telemetry {
	var out []Telemetry

	switch c.door.Update(in.DoorOpen) {
	case Rising:
		if !in.Unlocked {
			out = append(out, c.snapshot(now, StatusDoorOpen))
		}
	case Falling:
		if !in.Unlocked {
			out = append(out, c.snapshot(now, StatusDoorClosed))
		}
	}

	if c.lowVoltage.Update(in.LowVoltage) == Rising {
		out = append(out, c.snapshot(now, StatusLowVoltage))
	}

	if c.exhausted.Update(in.AutoCloseLatched()) == Rising {
		out = append(out, c.snapshot(now, StatusBalanceExhausted))
	}

	return out
}

func (c *Controller) snapshot(now time.Time, tag StatusTag) Telemetry {
	return Telemetry{
		Timestamp:        now,
		FlowRate:         c.dev.Flow.FlowRate,
		CumulativeVolume: c.dev.Flow.CumulativeVolume,
		Voltage:          c.dev.Voltage,
		DoorOpen:         c.dev.DoorOpen,
		Tag:              tag,
	}
}

// ApplyAccount overwrites the account with an authoritative push from the
// gateway and returns the directive to apply immediately.
func (c *Controller) ApplyAccount(acct MeterAccount) (ValveDirective, AlarmLevel) {
	if !(acct.Balance > 0) {
		acct.Balance = 0
	}
	if !(acct.TariffPerVolume > 0) {
		acct.TariffPerVolume = 0
	}
	c.dev.Account = acct
	return Evaluate(c.dev.Inputs())
}
