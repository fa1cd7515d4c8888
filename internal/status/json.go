package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Role          string       `json:"role"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Meter         *MeterJSON   `json:"meter,omitempty"`
	Gateway       *GatewayJSON `json:"gateway,omitempty"`
	MQTT          *MQTTStatus  `json:"mqtt,omitempty"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// MeterJSON is the JSON representation of the node's meter state.
type MeterJSON struct {
	FlowRate         float64 `json:"flow_rate_lpm"`
	CumulativeVolume float64 `json:"volume_l"`
	Voltage          float64 `json:"voltage"`
	DistanceCM       float64 `json:"distance_cm"`
	Door             string  `json:"door"`
	Tilted           bool    `json:"tilted"`
	Balance          float64 `json:"balance"`
	TariffPerVolume  float64 `json:"tariff_per_l"`
	Unlocked         bool    `json:"unlocked"`
	Valve            string  `json:"valve"`
	Alarm            string  `json:"alarm"`
	Calibration      float64 `json:"calibration_factor"`
	DoorTolerance    float64 `json:"door_tolerance_cm"`
	TelemetrySent    int     `json:"telemetry_sent"`
	CommandsHandled  int     `json:"commands_handled"`
	LastTag          string  `json:"last_status_tag,omitempty"`
}

// GatewayJSON is the JSON representation of the relay state.
type GatewayJSON struct {
	State      string   `json:"state"`
	Since      string   `json:"since,omitempty"`
	DeviceID   string   `json:"device_id"`
	MeterID    string   `json:"meter_id,omitempty"`
	SSID       string   `json:"ssid,omitempty"`
	Registered bool     `json:"registered"`
	Balance    *float64 `json:"balance,omitempty"`
	Unlocked   bool     `json:"unlocked"`
	Readings   int      `json:"readings_relayed"`
	Commands   int      `json:"commands_forwarded"`
	Acks       int      `json:"acks_relayed"`
	Dropped    int      `json:"frames_dropped"`
	LastError  string   `json:"last_error,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs      int64  `json:"tick_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms,omitempty"`
	Broker      string `json:"broker,omitempty"`
	HTTPPort    string `json:"http_port"`
	WSBroker    string `json:"ws_broker,omitempty"`
	Link        string `json:"link,omitempty"`
	Backend     string `json:"backend,omitempty"`
}

func doorString(open bool) string {
	if open {
		return "OPEN"
	}
	return "CLOSED"
}

func buildInner(snap Snapshot) StatusInner {
	role := snap.Config.Role
	if role == "" {
		role = "UNKNOWN"
	}

	inner := StatusInner{
		Role:          role,
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			WSBroker:    snap.Config.WSBroker,
			Link:        snap.Config.Link,
			Backend:     snap.Config.Backend,
		},
	}
	if snap.Config.Broker != "" {
		inner.MQTT = &MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker}
	}

	if m := snap.Meter; m != nil {
		inner.Meter = &MeterJSON{
			FlowRate:         m.FlowRate,
			CumulativeVolume: m.CumulativeVolume,
			Voltage:          m.Voltage,
			DistanceCM:       m.DistanceCM,
			Door:             doorString(m.DoorOpen),
			Tilted:           m.Tilted,
			Balance:          m.Balance,
			TariffPerVolume:  m.TariffPerVolume,
			Unlocked:         m.Unlocked,
			Valve:            m.Valve,
			Alarm:            m.Alarm,
			Calibration:      m.Calibration,
			DoorTolerance:    m.DoorTolerance,
			TelemetrySent:    m.TelemetrySent,
			CommandsHandled:  m.CommandsHandled,
			LastTag:          m.LastTag,
		}
	}

	if g := snap.Gateway; g != nil {
		gj := &GatewayJSON{
			State:      g.State,
			DeviceID:   g.DeviceID,
			MeterID:    g.MeterID,
			SSID:       g.SSID,
			Registered: g.Registered,
			Unlocked:   g.Unlocked,
			Readings:   g.Readings,
			Commands:   g.Commands,
			Acks:       g.Acks,
			Dropped:    g.Dropped,
			LastError:  g.LastError,
		}
		if !g.Since.IsZero() {
			gj.Since = g.Since.UTC().Format(time.RFC3339)
		}
		if g.HasAccount {
			balance := g.Balance
			gj.Balance = &balance
		}
		inner.Gateway = gj
	}

	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
