// Package device implements the plotter-resident side of the system: the
// motion planner, the run-state machine, and a line-oriented serve loop
// speaking the wire protocol. It is a faithful simulation of the firmware
// and doubles as the hardware-free backend for demo mode and tests.
package device

import "math"

// PolarToCartesian converts a polar position (degrees, mm) to Cartesian.
func PolarToCartesian(angleDeg, radiusMm float64) (x, y float64) {
	rad := angleDeg * math.Pi / 180
	return radiusMm * math.Cos(rad), radiusMm * math.Sin(rad)
}

// CartesianToPolar converts a Cartesian position to polar with the angle
// normalized into [0,360).
func CartesianToPolar(x, y float64) (angleDeg, radiusMm float64) {
	radiusMm = math.Hypot(x, y)
	angleDeg = math.Atan2(y, x) * 180 / math.Pi
	angleDeg = NormalizeAngle(angleDeg)
	return angleDeg, radiusMm
}

// NormalizeAngle wraps an angle in degrees into [0,360).
func NormalizeAngle(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
