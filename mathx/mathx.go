// Package mathx provides small numeric helpers shared by the axis and scan packages.
package mathx

import "math"

// Round rounds x to the nearest "unit" (0.1 for tenth, 1e-9 for nanometer, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// AlmostEqual returns true if a and b differ by less than tol.
func AlmostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}
