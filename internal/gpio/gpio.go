// Package gpio provides access to the meter node's sensor and actuator lines.
// The real implementation uses the Linux GPIO character device and an IIO
// ADC channel for the supply voltage.
// The fake implementation allows testing without hardware.
package gpio

// Sample is one reading of the node's sensors.
type Sample struct {
	DistanceCM float64 // ultrasonic distance to the cabinet door
	Tilted     bool
	Voltage    float64
}

// Sensors reads the door, tilt and voltage inputs.
type Sensors interface {
	// Read samples all sensors once. An error means the sample is unusable.
	Read() (Sample, error)

	// Close releases sensor resources.
	Close() error
}

// Outputs drives the valve and buzzer lines.
type Outputs interface {
	// SetValve sets the two valve direction lines. Both true is rejected.
	SetValve(open, closed bool) error

	// SetBuzzer switches the buzzer.
	SetBuzzer(on bool) error

	// Close returns every line to low and releases it.
	Close() error
}

// Counter receives flow-sensor pulses. It is called from the edge-event
// goroutine and must be safe for that.
type Counter interface {
	Add(n uint64)
}

// Pins is the BCM line assignment.
type Pins struct {
	Flow       int
	ValveOpen  int
	ValveClose int
	Buzzer     int
	Tilt       int
	Trigger    int
	Echo       int
}

// ADC describes the IIO channel the supply voltage divider is wired to.
type ADC struct {
	// RawPath is the sysfs file holding the raw conversion,
	// e.g. /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
	RawPath string
	// VoltsPerCount converts a raw count to supply volts, divider included.
	VoltsPerCount float64
}

// Speed of sound in cm per second at about 20 C.
const soundCMPerSecond = 34300.0

// echoToCM converts an echo pulse width in seconds to a one-way distance.
func echoToCM(seconds float64) float64 {
	return seconds * soundCMPerSecond / 2
}
