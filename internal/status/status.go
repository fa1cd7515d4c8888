// Package status provides a thread-safe status tracker for the meter node
// and gateway daemons. It is read by the HTTP handlers and the MQTT
// lifecycle events.
package status

import (
	"sync"
	"time"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Role        string // "node" or "gateway"
	TickMs      int64
	HeartbeatMs int64
	Broker      string // empty when MQTT is disabled
	HTTPPort    string
	WSBroker    string // Websocket broker URL for browser MQTT (empty = disabled)
	Link        string // serial device to the other half
	Backend     string
}

// Meter is the node's view of the meter.
type Meter struct {
	FlowRate         float64
	CumulativeVolume float64
	Voltage          float64
	DistanceCM       float64
	DoorOpen         bool
	Tilted           bool

	Balance         float64
	TariffPerVolume float64
	Unlocked        bool

	Valve string
	Alarm string

	Calibration   float64
	DoorTolerance float64

	TelemetrySent   int
	CommandsHandled int
	LastTag         string
}

// Gateway is the gateway's connectivity and relay state.
type Gateway struct {
	State      string
	Since      time.Time
	DeviceID   string
	MeterID    string
	SSID       string
	Registered bool

	HasAccount bool
	Balance    float64
	Unlocked   bool

	Readings  int
	Commands  int
	Acks      int
	Dropped   int
	LastError string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released. Meter and
// Gateway point at copies that are never modified.
type Snapshot struct {
	Meter         *Meter
	Gateway       *Gateway
	Ready         bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateMeter records the node state after a control cycle. The node is
// ready once the first cycle has run.
func (t *Tracker) UpdateMeter(m Meter) {
	t.mu.Lock()
	t.snap.Meter = &m
	t.snap.Ready = true
	t.mu.Unlock()
}

// UpdateGateway records the relay state. The gateway is ready once it is
// registered.
func (t *Tracker) UpdateGateway(g Gateway) {
	t.mu.Lock()
	t.snap.Gateway = &g
	t.snap.Ready = g.Registered
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
