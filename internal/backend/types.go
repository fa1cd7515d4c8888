package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Registration is the identity issued to a provisioned gateway.
type Registration struct {
	MeterID string
	Token   string
}

// Reading is one telemetry submission.
type Reading struct {
	MeterID          string
	FlowRate         float64 // litres per minute
	CumulativeVolume float64 // litres
	Voltage          float64
	DoorOpen         bool
	StatusTag        string
	ValveStatus      string
}

// Account is the balance snapshot returned for a reading.
type Account struct {
	Balance         float64
	TariffPerVolume float64
	Unlocked        bool
}

// Command is a pending remote command.
type Command struct {
	ID                 int64
	Type               string
	CurrentValveStatus string
	Parameters         map[string]any
}

// Ack reports a command result.
type Ack struct {
	MeterID     string
	CommandID   int64
	Outcome     string
	Detail      string
	ValveStatus string
}

// Wire shapes. The backend stores decimals as strings and booleans as 0/1
// in places, so numbers and flags are decoded leniently.

type registerRequest struct {
	ProvisioningToken string `json:"provisioning_token"`
	DeviceID          string `json:"device_id"`
}

type registerResponse struct {
	MeterID  flexString `json:"id_meter"`
	JWT      string     `json:"jwt"`
	JWTToken string     `json:"jwt_token"`
}

type readingRequest struct {
	MeterID       string  `json:"id_meter"`
	FlowRateLPM   float64 `json:"flow_rate_lpm"`
	ReadingM3     float64 `json:"meter_reading_m3"`
	Voltage       float64 `json:"current_voltage"`
	DoorStatus    int     `json:"door_status"`
	StatusMessage string  `json:"status_message"`
	ValveStatus   string  `json:"valve_status"`
}

type readingResponse struct {
	Balance    *flexFloat `json:"data_pulsa"`
	Tariff     *flexFloat `json:"tarif_per_m3"`
	IsUnlocked flexBool   `json:"is_unlocked"`
}

type commandsResponse struct {
	Commands []json.RawMessage `json:"commands"`
}

type commandWire struct {
	ID                 flexInt         `json:"command_id"`
	Type               string          `json:"command_type"`
	CurrentValveStatus string          `json:"current_valve_status"`
	Parameters         json.RawMessage `json:"parameters"`
}

type ackRequest struct {
	MeterID     string `json:"id_meter"`
	CommandID   int64  `json:"command_id_ack"`
	Status      string `json:"status_ack"`
	Notes       string `json:"notes_ack"`
	ValveStatus string `json:"valve_status_ack"`
}

// envelope wraps every response.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("integer %s: %w", b, err)
	}
	*i = flexInt(v)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch string(bytes.Trim(b, `"`)) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("boolean %s: invalid", b)
	}
	return nil
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// decodeParameters accepts an object, a JSON string holding an object, or
// nothing.
func decodeParameters(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}
	return params, nil
}
