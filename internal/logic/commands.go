package logic

import (
	"fmt"
	"strings"
)

// CommandKind identifies a remote command.
type CommandKind string

const (
	CommandOpenValve    CommandKind = "valve_open"
	CommandCloseValve   CommandKind = "valve_close"
	CommandConfigUpdate CommandKind = "config_update"
)

// ConfigData carries the optional fields of a config update.
// A nil field was not supplied.
type ConfigData struct {
	Calibration   *float64
	DoorTolerance *float64
}

// Command is a remote command forwarded by the gateway.
type Command struct {
	ID                 int64
	Kind               CommandKind
	CurrentValveStatus string // informational, as reported by the caller
	Config             *ConfigData
}

// AckOutcome is the result reported for a command.
type AckOutcome string

const (
	OutcomeAcknowledged AckOutcome = "acknowledged"
	OutcomeFailed       AckOutcome = "failed"
)

// CommandAck is the single response to a command.
type CommandAck struct {
	CommandID   int64
	Outcome     AckOutcome
	Detail      string
	ValveStatus string
}

// Valve is the manual actuation path used by commands.
type Valve interface {
	// Pulse drives the valve in the given direction for a bounded time and
	// returns it to neutral. It blocks for that time.
	Pulse(d ValveDirective) error
	// State returns the physical state last asserted.
	State() ValveDirective
}

// HandleCommand executes a command and returns its acknowledgement.
// Every command yields exactly one ack, including refusals.
func (c *Controller) HandleCommand(cmd Command, valve Valve) CommandAck {
	ack := CommandAck{CommandID: cmd.ID}

	switch cmd.Kind {
	case CommandOpenValve:
		in := c.dev.Inputs()
		if !SafeToOpen(in) {
			ack.Outcome = OutcomeFailed
			ack.Detail = "valve open refused: " + strings.Join(openRefusals(in), ", ")
			ack.ValveStatus = valve.State().String()
			return ack
		}
		if err := valve.Pulse(ValveOpen); err != nil {
			ack.Outcome = OutcomeFailed
			ack.Detail = fmt.Sprintf("valve open failed: %v", err)
			ack.ValveStatus = valve.State().String()
			return ack
		}
		ack.Outcome = OutcomeAcknowledged
		ack.Detail = "valve opened by command"
		ack.ValveStatus = ValveOpen.String()

	case CommandCloseValve:
		if err := valve.Pulse(ValveClosed); err != nil {
			ack.Outcome = OutcomeFailed
			ack.Detail = fmt.Sprintf("valve close failed: %v", err)
			ack.ValveStatus = valve.State().String()
			return ack
		}
		ack.Outcome = OutcomeAcknowledged
		ack.Detail = "valve closed by command"
		ack.ValveStatus = ValveClosed.String()

	case CommandConfigUpdate:
		ack.Outcome, ack.Detail = c.applyConfig(cmd.Config)
		ack.ValveStatus = valve.State().String()

	default:
		ack.Outcome = OutcomeFailed
		ack.Detail = fmt.Sprintf("unsupported command %q", cmd.Kind)
		ack.ValveStatus = valve.State().String()
	}

	return ack
}

func openRefusals(in InterlockInputs) []string {
	var reasons []string
	if in.Unlocked {
		reasons = append(reasons, "maintenance unlock active")
	}
	if !in.BalancePositive {
		reasons = append(reasons, "balance exhausted")
	}
	if in.DoorOpen {
		reasons = append(reasons, "door open")
	}
	if in.LowVoltage {
		reasons = append(reasons, "low voltage")
	}
	return reasons
}

// applyConfig validates each field on its own and applies the valid subset.
// Rejected fields keep their previous value.
func (c *Controller) applyConfig(cfg *ConfigData) (AckOutcome, string) {
	if cfg == nil || (cfg.Calibration == nil && cfg.DoorTolerance == nil) {
		return OutcomeFailed, "no configuration supplied"
	}

	var notes []string
	applied := 0

	if v := cfg.Calibration; v != nil {
		if ValidCalibration(*v) {
			c.dev.Flow.PulsesPerUnit = *v
			applied++
			notes = append(notes, c.persisted(fmt.Sprintf("calibration factor set to %.2f", *v), c.saveCalibration(*v)))
		} else {
			notes = append(notes, "calibration factor rejected: must be finite and > 0")
		}
	}

	if v := cfg.DoorTolerance; v != nil {
		if ValidDoorTolerance(*v) {
			c.dev.DoorTolerance = *v
			applied++
			notes = append(notes, c.persisted(fmt.Sprintf("door tolerance set to %.2f", *v), c.saveDoorTolerance(*v)))
		} else {
			notes = append(notes, "door tolerance rejected: must be finite and >= 0")
		}
	}

	detail := strings.Join(notes, "; ")
	if applied == 0 {
		return OutcomeFailed, detail
	}
	return OutcomeAcknowledged, detail
}

func (c *Controller) persisted(note string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s (not persisted: %v)", note, err)
	}
	return note
}

func (c *Controller) saveCalibration(v float64) error {
	if c.settings == nil {
		return nil
	}
	return c.settings.SaveCalibration(v)
}

func (c *Controller) saveDoorTolerance(v float64) error {
	if c.settings == nil {
		return nil
	}
	return c.settings.SaveDoorTolerance(v)
}
