// Package protocol implements the newline-delimited JSON link between the
// meter node and the gateway.
//
// Each frame is one JSON object terminated by '\n'. There is no envelope:
// the kind of a message follows from the fields it carries, and each kind is
// checked against a strict schema before it is decoded.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sweeney/water-meter/internal/logic"
)

// Kind identifies a message shape.
type Kind int

const (
	KindTelemetry Kind = iota + 1
	KindAccount
	KindCommand
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindAccount:
		return "account"
	case KindCommand:
		return "command"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Message is one of *Telemetry, *AccountUpdate, *Command or *Ack.
type Message interface {
	Kind() Kind
}

// Telemetry is sent by the node.
type Telemetry struct {
	FlowRate         float64 `json:"flow_rate"`
	CumulativeVolume float64 `json:"cumulative_volume"`
	Voltage          float64 `json:"voltage"`
	DoorOpen         int     `json:"door_open"`
	StatusTag        string  `json:"status_tag"`
}

// AccountUpdate is a full account push from the gateway.
type AccountUpdate struct {
	MeterID         string  `json:"meter_id"`
	Balance         float64 `json:"balance"`
	TariffPerVolume float64 `json:"tariff_per_volume"`
	Unlocked        bool    `json:"unlocked"`
}

// ConfigData holds the optional fields of a config update.
type ConfigData struct {
	CalibrationFactor *float64 `json:"calibration_factor,omitempty"`
	DoorTolerance     *float64 `json:"door_tolerance,omitempty"`
}

// Command is forwarded by the gateway.
type Command struct {
	CommandType        string      `json:"command_type"`
	CommandID          int64       `json:"command_id"`
	CurrentValveStatus string      `json:"current_valve_status,omitempty"`
	ConfigData         *ConfigData `json:"config_data,omitempty"`
}

// Ack answers a Command.
type Ack struct {
	CommandID   int64  `json:"command_id"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail"`
	ValveStatus string `json:"valve_status"`
}

func (*Telemetry) Kind() Kind     { return KindTelemetry }
func (*AccountUpdate) Kind() Kind { return KindAccount }
func (*Command) Kind() Kind       { return KindCommand }
func (*Ack) Kind() Kind           { return KindAck }

// ErrUnparsable is matched by every decode failure.
var ErrUnparsable = errors.New("unparsable frame")

// UnparsableError describes why a frame was rejected.
type UnparsableError struct {
	Reason string
	Err    error
}

func (e *UnparsableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unparsable frame: %s: %v", e.Reason, e.Err)
	}
	return "unparsable frame: " + e.Reason
}

func (e *UnparsableError) Unwrap() error { return e.Err }

func (e *UnparsableError) Is(target error) bool { return target == ErrUnparsable }

func unparsable(reason string, err error) error {
	return &UnparsableError{Reason: reason, Err: err}
}

// kindOf picks the message kind from its discriminating field.
func kindOf(fields map[string]any) (Kind, bool) {
	_, status := fields["status_tag"]
	_, meter := fields["meter_id"]
	_, cmd := fields["command_type"]
	_, outcome := fields["outcome"]

	n := 0
	var k Kind
	if status {
		n, k = n+1, KindTelemetry
	}
	if meter {
		n, k = n+1, KindAccount
	}
	if cmd {
		n, k = n+1, KindCommand
	}
	if outcome {
		n, k = n+1, KindAck
	}
	return k, n == 1
}

// Decode parses one frame. It returns a fully populated message or an
// error matching ErrUnparsable; never a partial message.
func Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, unparsable("empty frame", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, unparsable("invalid json", err)
	}
	if dec.More() {
		return nil, unparsable("trailing data after object", nil)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, unparsable("not a json object", nil)
	}

	kind, ok := kindOf(fields)
	if !ok {
		return nil, unparsable("cannot determine message kind", nil)
	}
	if err := schemas[kind].Validate(raw); err != nil {
		return nil, unparsable(kind.String()+" schema", err)
	}

	var msg Message
	switch kind {
	case KindTelemetry:
		msg = &Telemetry{}
	case KindAccount:
		msg = &AccountUpdate{}
	case KindCommand:
		msg = &Command{}
	case KindAck:
		msg = &Ack{}
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, unparsable(kind.String()+" fields", err)
	}
	return msg, nil
}

// Encode renders a message as one frame, terminator included.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return append(b, '\n'), nil
}

// Writer sends frames to the link.
type Writer struct {
	w io.Writer
}

// NewWriter wraps the link's write side.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send encodes and writes one message.
func (w *Writer) Send(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return nil
}

// configAlias is an older spelling of config_update still sent by some
// backends.
const configAlias = "arduino_config_update"

// FromTelemetry converts a node snapshot to its wire form.
func FromTelemetry(t logic.Telemetry) *Telemetry {
	door := 0
	if t.DoorOpen {
		door = 1
	}
	return &Telemetry{
		FlowRate:         t.FlowRate,
		CumulativeVolume: t.CumulativeVolume,
		Voltage:          t.Voltage,
		DoorOpen:         door,
		StatusTag:        string(t.Tag),
	}
}

// Account converts the update to the node's account.
func (a *AccountUpdate) Account() logic.MeterAccount {
	return logic.MeterAccount{
		MeterID:         a.MeterID,
		Balance:         a.Balance,
		TariffPerVolume: a.TariffPerVolume,
		Unlocked:        a.Unlocked,
	}
}

// Logic converts the command for the node's controller.
func (c *Command) Logic() logic.Command {
	kind := logic.CommandKind(c.CommandType)
	if c.CommandType == configAlias {
		kind = logic.CommandConfigUpdate
	}
	cmd := logic.Command{
		ID:                 c.CommandID,
		Kind:               kind,
		CurrentValveStatus: c.CurrentValveStatus,
	}
	if kind == logic.CommandConfigUpdate && c.ConfigData != nil {
		cmd.Config = &logic.ConfigData{
			Calibration:   c.ConfigData.CalibrationFactor,
			DoorTolerance: c.ConfigData.DoorTolerance,
		}
	}
	return cmd
}

// FromAck converts a controller ack to its wire form.
func FromAck(a logic.CommandAck) *Ack {
	return &Ack{
		CommandID:   a.CommandID,
		Outcome:     string(a.Outcome),
		Detail:      a.Detail,
		ValveStatus: a.ValveStatus,
	}
}
