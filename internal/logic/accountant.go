package logic

import (
	"math"
	"time"
)

// ValidCalibration reports whether v can be used as a calibration factor.
func ValidCalibration(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// ValidDoorTolerance reports whether v can be used as a door tolerance.
func ValidDoorTolerance(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Account converts the pulses drained for one interval into volume, flow
// rate and cost, and deducts the cost from the balance.
// The balance is clamped at zero and never increases here.
func Account(dev *Device, pulses uint64, elapsed time.Duration) {
	k := dev.Flow.PulsesPerUnit
	if !ValidCalibration(k) {
		k = DefaultCalibration
		dev.Flow.PulsesPerUnit = k
	}

	volume := float64(pulses) / k
	dev.Flow.LastVolume = volume

	if elapsed > 0 {
		dev.Flow.FlowRate = volume / elapsed.Seconds() * 60
	} else {
		dev.Flow.FlowRate = 0
	}

	dev.Flow.CumulativeVolume += volume

	acct := &dev.Account
	if acct.Balance > 0 && acct.TariffPerVolume > 0 {
		cost := volume * acct.TariffPerVolume
		acct.Balance = math.Max(0, acct.Balance-cost)
	}
}
