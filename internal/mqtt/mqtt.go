// Package mqtt mirrors gateway readings and lifecycle events to a local
// MQTT broker, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// TopicReadings is the MQTT topic for relayed meter readings.
const TopicReadings = "water/meter/gateway/readings"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "water/meter/gateway/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishReading sends a relayed reading to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishReading(r Reading) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown,
// heartbeat, a connectivity state change).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "STATE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	State      string // connectivity state (STATE only)
	Previous   string // previous connectivity state (STATE only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Reading is one reading accepted by the backend, with the account it
// returned.
type Reading struct {
	Timestamp        time.Time
	MeterID          string
	FlowRate         float64 // litres per minute
	CumulativeVolume float64 // litres
	Voltage          float64
	DoorOpen         bool
	StatusTag        string
	ValveStatus      string
	Balance          float64
	TariffPerVolume  float64
	Unlocked         bool
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Meter MeterPayload `json:"meter"`
}

// MeterPayload contains the reading details.
type MeterPayload struct {
	Timestamp        string         `json:"timestamp"`
	MeterID          string         `json:"meter_id"`
	Event            string         `json:"event"`
	FlowRate         float64        `json:"flow_rate_lpm"`
	CumulativeVolume float64        `json:"volume_l"`
	Voltage          float64        `json:"voltage"`
	Door             string         `json:"door"`
	Valve            string         `json:"valve"`
	Account          AccountPayload `json:"account"`
}

// AccountPayload is the account returned for the reading.
type AccountPayload struct {
	Balance         float64 `json:"balance"`
	TariffPerVolume float64 `json:"tariff_per_l"`
	Unlocked        bool    `json:"unlocked"`
}

// FormatPayload creates the JSON payload for a reading.
func FormatPayload(r Reading) ([]byte, error) {
	door := "CLOSED"
	if r.DoorOpen {
		door = "OPEN"
	}
	payload := Payload{
		Meter: MeterPayload{
			Timestamp:        r.Timestamp.UTC().Format(time.RFC3339),
			MeterID:          r.MeterID,
			Event:            r.StatusTag,
			FlowRate:         r.FlowRate,
			CumulativeVolume: r.CumulativeVolume,
			Voltage:          r.Voltage,
			Door:             door,
			Valve:            r.ValveStatus,
			Account: AccountPayload{
				Balance:         r.Balance,
				TariffPerVolume: r.TariffPerVolume,
				Unlocked:        r.Unlocked,
			},
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, STATE) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state,omitempty"`
	Previous  string `json:"previous,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			State:     event.State,
			Previous:  event.Previous,
		},
	}
	return json.Marshal(payload)
}
