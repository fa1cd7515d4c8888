// Package gateway relays the meter node's link to the backend and manages
// the gateway's connectivity: provisioning, WiFi, registration and
// reconnection.
package gateway

import (
	"time"

	"github.com/sweeney/water-meter/internal/backend"
)

// State is the connectivity state of the gateway.
type State int

const (
	StateProvisioning State = iota
	StateConnecting
	StateConnectedUnregistered
	StateConnectedRegistered
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnregistered:
		return "connected_unregistered"
	case StateConnectedRegistered:
		return "connected_registered"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds the relay's timing and access point settings.
type Config struct {
	ConnectAttempts   int           // link checks before giving up on stored credentials
	ConnectRetry      time.Duration // wait between link checks while provisioning
	RegisterInterval  time.Duration
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	OTAInterval       time.Duration // 0 disables
	CommandHold       time.Duration // forwarded, unacked commands are not re-forwarded within this window

	APSSID     string
	APPassword string

	// ProvisioningToken, if set, lets an unregistered gateway register
	// without a provisioning request.
	ProvisioningToken string
}

// DefaultConfig returns the standard timing.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts:   30,
		ConnectRetry:      time.Second,
		RegisterInterval:  10 * time.Second,
		PollInterval:      10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		OTAInterval:       time.Hour,
		CommandHold:       60 * time.Second,
		APSSID:            "WaterMeter-Setup",
	}
}

// Events receives notifications from the relay loop. Calls are made from
// the loop goroutine and must not block for long.
type Events interface {
	StateChanged(from, to State, at time.Time)
	ReadingRelayed(r backend.Reading, acct backend.Account, at time.Time)
}

type noEvents struct{}

func (noEvents) StateChanged(State, State, time.Time)                        {}
func (noEvents) ReadingRelayed(backend.Reading, backend.Account, time.Time) {}

// Snapshot is a copy of the relay's state for status consumers.
type Snapshot struct {
	State      State
	Since      time.Time
	DeviceID   string
	MeterID    string
	SSID       string
	Registered bool

	HasAccount  bool
	LastAccount backend.Account
	LastReading time.Time

	ReadingsRelayed   int
	CommandsForwarded int
	AcksRelayed       int
	FramesDropped     int

	LastError   string
	LastErrorAt time.Time
}
