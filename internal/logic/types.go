// Package logic contains the pure metering, billing and interlock logic of the
// meter node. This package has NO external dependencies (no GPIO, link, OS, or
// time.Sleep). Time is always injectable via time.Time parameters.
package logic

import "time"

// Defaults used when no valid value is stored.
const (
	DefaultCalibration   = 7.5  // pulses per litre
	DefaultDoorTolerance = 15.0 // cm; larger distance means the door is open

	LowBalanceThreshold = 3000.0 // currency units
	LowVoltageThreshold = 5.0    // volts

	DefaultAccountInterval   = 1000 * time.Millisecond
	DefaultTelemetryInterval = 5 * time.Second
)

// ValveDirective is the commanded physical state of the valve.
// The zero value is ValveNeutral, which is also the boot state.
type ValveDirective int

const (
	ValveNeutral ValveDirective = iota
	ValveOpen
	ValveClosed
)

func (d ValveDirective) String() string {
	switch d {
	case ValveOpen:
		return "open"
	case ValveClosed:
		return "closed"
	default:
		return "neutral"
	}
}

// AlarmLevel is the buzzer output mode.
type AlarmLevel int

const (
	AlarmSilent AlarmLevel = iota
	AlarmSteady
	AlarmBlink
)

func (a AlarmLevel) String() string {
	switch a {
	case AlarmSteady:
		return "steady"
	case AlarmBlink:
		return "blink"
	default:
		return "silent"
	}
}

// StatusTag labels a telemetry snapshot with the reason it was sent.
type StatusTag string

const (
	StatusNormal           StatusTag = "normal"
	StatusBalanceExhausted StatusTag = "balance_exhausted"
	StatusDoorOpen         StatusTag = "door_open"
	StatusDoorClosed       StatusTag = "door_closed"
	StatusLowVoltage       StatusTag = "low_voltage"
)

// MeterAccount is the prepaid account mirrored from the backend.
type MeterAccount struct {
	MeterID         string
	Balance         float64 // never negative
	TariffPerVolume float64 // currency per litre, never negative
	Unlocked        bool    // maintenance override
}

// FlowState holds the calibration and the accumulated flow figures.
type FlowState struct {
	PulsesPerUnit    float64 // calibration factor
	CumulativeVolume float64 // litres, monotonic
	FlowRate         float64 // litres per minute over the last interval
	LastVolume       float64 // litres measured in the last interval
}

// Reading is one sample of the node's sensors.
type Reading struct {
	DistanceCM float64 // ultrasonic distance to the door
	Tilted     bool
	Voltage    float64
	Time       time.Time
}

// Device is the state owned by the control loop. It is passed by reference
// into each component on every cycle; nothing else holds it.
type Device struct {
	Account       MeterAccount
	Flow          FlowState
	DoorTolerance float64

	DoorOpen   bool
	Tilted     bool
	Voltage    float64
	LowVoltage bool
}

// NewDevice returns a Device with the given stored settings.
func NewDevice(calibration, doorTolerance float64) *Device {
	return &Device{
		Flow:          FlowState{PulsesPerUnit: calibration},
		DoorTolerance: doorTolerance,
	}
}

// Sense updates the sensor-derived fields from a reading.
func (d *Device) Sense(r Reading) {
	d.DoorOpen = r.DistanceCM > d.DoorTolerance
	d.Tilted = r.Tilted
	d.Voltage = r.Voltage
	d.LowVoltage = r.Voltage < LowVoltageThreshold
}

// Inputs builds the interlock inputs for the current state.
func (d *Device) Inputs() InterlockInputs {
	return InterlockInputs{
		DoorOpen:        d.DoorOpen,
		Tilted:          d.Tilted,
		LowVoltage:      d.LowVoltage,
		Unlocked:        d.Account.Unlocked,
		BalancePositive: d.Account.Balance > 0,
		Balance:         d.Account.Balance,
	}
}

// InterlockInputs are the signals the interlock evaluator decides on.
type InterlockInputs struct {
	DoorOpen        bool
	Tilted          bool
	LowVoltage      bool
	Unlocked        bool
	BalancePositive bool
	Balance         float64
}

// AutoCloseLatched reports whether the balance is exhausted.
func (in InterlockInputs) AutoCloseLatched() bool {
	return !in.BalancePositive
}

// Telemetry is a snapshot sent upstream to the gateway.
type Telemetry struct {
	Timestamp        time.Time
	FlowRate         float64
	CumulativeVolume float64
	Voltage          float64
	DoorOpen         bool
	Tag              StatusTag
}
