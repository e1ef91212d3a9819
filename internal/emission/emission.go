// Package emission converts measured energy into grams of CO2.
package emission

import "math"

// Tolerance is the relative tolerance used when checking that a reported
// total matches energy × intensity.
const Tolerance = 1e-9

// Calculate returns total emissions in gCO2 for energyKWh consumed on a grid
// with the given intensity (gCO2/kWh). Inputs are validated by the caller.
func Calculate(energyKWh, intensityGCO2PerKWh float64) float64 {
	return energyKWh * intensityGCO2PerKWh
}

// Consistent reports whether total equals energy × intensity within Tolerance.
func Consistent(energyKWh, intensityGCO2PerKWh, total float64) bool {
	want := Calculate(energyKWh, intensityGCO2PerKWh)
	return math.Abs(total-want) <= Tolerance*math.Max(1, math.Abs(want))
}
