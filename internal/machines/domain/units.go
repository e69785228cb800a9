package machines

import "math"

// UnitIncrement converts a pulse increment into production units.
// It yields 0 when no material is assigned or the conversion factor is missing.
func UnitIncrement(pulses int64, pulsesPerUnit float64, materialAssigned bool) float64 {
	if !materialAssigned || pulsesPerUnit <= 0 {
		return 0
	}
	return float64(pulses) / pulsesPerUnit
}

// RoundUnits rounds an accumulated unit total to 2 decimals.
func RoundUnits(value float64) float64 {
	return math.Round(value*100) / 100
}
