package protocol

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// One strict schema per message kind. Unknown fields are rejected so a frame
// from a different protocol version is never half understood.
const (
	telemetrySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["flow_rate", "cumulative_volume", "voltage", "door_open", "status_tag"],
  "properties": {
    "flow_rate":         {"type": "number", "minimum": 0},
    "cumulative_volume": {"type": "number", "minimum": 0},
    "voltage":           {"type": "number"},
    "door_open":         {"enum": [0, 1]},
    "status_tag":        {"enum": ["normal", "balance_exhausted", "door_open", "door_closed", "low_voltage"]}
  }
}`

	accountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["meter_id", "balance", "tariff_per_volume", "unlocked"],
  "properties": {
    "meter_id":          {"type": "string"},
    "balance":           {"type": "number"},
    "tariff_per_volume": {"type": "number"},
    "unlocked":          {"type": "boolean"}
  }
}`

	commandSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["command_type", "command_id"],
  "properties": {
    "command_type":         {"type": "string", "minLength": 1},
    "command_id":           {"type": "integer"},
    "current_valve_status": {"type": "string"},
    "config_data": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "calibration_factor": {"type": "number"},
        "door_tolerance":     {"type": "number"}
      }
    }
  }
}`

	ackSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["command_id", "outcome", "detail", "valve_status"],
  "properties": {
    "command_id":   {"type": "integer"},
    "outcome":      {"enum": ["acknowledged", "failed"]},
    "detail":       {"type": "string"},
    "valve_status": {"type": "string"}
  }
}`
)

var schemas = mustCompileSchemas()

func mustCompileSchemas() map[Kind]*jsonschema.Schema {
	src := map[Kind]string{
		KindTelemetry: telemetrySchema,
		KindAccount:   accountSchema,
		KindCommand:   commandSchema,
		KindAck:       ackSchema,
	}

	out := make(map[Kind]*jsonschema.Schema, len(src))
	for kind, s := range src {
		url := fmt.Sprintf("mem://protocol/%s.json", kind)
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, strings.NewReader(s)); err != nil {
			panic(fmt.Sprintf("protocol: add schema %s: %v", kind, err))
		}
		schema, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema %s: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}
