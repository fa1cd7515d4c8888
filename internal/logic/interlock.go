package logic

// Evaluate decides the valve directive and alarm level for one cycle.
// It keeps no state: every cycle is a fresh decision.
func Evaluate(in InterlockInputs) (ValveDirective, AlarmLevel) {
	return valveDirective(in), alarmLevel(in)
}

func valveDirective(in InterlockInputs) ValveDirective {
	// Unlock suspends automation; it does not pick a position.
	if in.Unlocked {
		return ValveNeutral
	}
	if in.BalancePositive && !in.DoorOpen && !in.LowVoltage && !in.AutoCloseLatched() {
		return ValveOpen
	}
	return ValveClosed
}

// alarmLevel applies the fixed priority; first match wins.
func alarmLevel(in InterlockInputs) AlarmLevel {
	switch {
	case in.DoorOpen && !in.Unlocked:
		return AlarmSteady
	case in.Tilted:
		return AlarmSteady
	case in.LowVoltage:
		return AlarmBlink
	case in.Balance > 0 && in.Balance < LowBalanceThreshold:
		return AlarmBlink
	default:
		return AlarmSilent
	}
}

// SafeToOpen reports whether a manual open request may be honoured.
func SafeToOpen(in InterlockInputs) bool {
	return !in.Unlocked && in.BalancePositive && !in.DoorOpen && !in.LowVoltage
}
