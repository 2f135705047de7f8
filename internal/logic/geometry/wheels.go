package geometry

import "math"

// Wheels describes a differential drive: two wheels of the same diameter
// separated by the axle track (distance between wheel contact points).
type Wheels struct {
	DiameterMm  float64
	AxleTrackMm float64
}

// circumference returns the distance traveled by one wheel revolution.
func (w Wheels) circumference() float64 {
	return math.Pi * w.DiameterMm
}

// DistanceFromAngle converts a wheel rotation (degrees) to traveled distance (mm).
func (w Wheels) DistanceFromAngle(angleDeg float64) float64 {
	return angleDeg / 360.0 * w.circumference()
}

// AngleFromDistance converts a traveled distance (mm) to wheel rotation (degrees).
func (w Wheels) AngleFromDistance(distanceMm float64) float64 {
	c := w.circumference()
	if c == 0 {
		return 0
	}
	return distanceMm / c * 360.0
}

// WheelAngleForTurn returns how far each wheel must rotate (degrees, in
// opposite directions) to spin the robot in place by turnDeg.
// Each wheel travels along a circle of diameter AxleTrackMm.
func (w Wheels) WheelAngleForTurn(turnDeg float64) float64 {
	if w.DiameterMm == 0 {
		return 0
	}
	return turnDeg * w.AxleTrackMm / w.DiameterMm
}
