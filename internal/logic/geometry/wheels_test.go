package geometry

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func TestDistanceFromAngle(t *testing.T) {
	w := Wheels{DiameterMm: 62.4, AxleTrackMm: 211}
	cases := []struct {
		name  string
		angle float64
		want  float64
	}{
		{"full_turn", 360, math.Pi * 62.4},
		{"half_turn", 180, math.Pi * 62.4 / 2},
		{"backwards", -360, -math.Pi * 62.4},
		{"zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.DistanceFromAngle(tc.angle); math.Abs(got-tc.want) > epsilon {
				t.Errorf("DistanceFromAngle(%v) = %v, want %v", tc.angle, got, tc.want)
			}
		})
	}
}

func TestAngleFromDistance_Inverse(t *testing.T) {
	w := Wheels{DiameterMm: 56, AxleTrackMm: 114}
	for _, d := range []float64{-500, -1, 0, 10, 175.9, 1000} {
		a := w.AngleFromDistance(d)
		if back := w.DistanceFromAngle(a); math.Abs(back-d) > 1e-6 {
			t.Errorf("round trip %v -> %v -> %v", d, a, back)
		}
	}
}

func TestAngleFromDistance_ZeroDiameter(t *testing.T) {
	w := Wheels{}
	if got := w.AngleFromDistance(100); got != 0 {
		t.Errorf("AngleFromDistance with zero diameter = %v, want 0", got)
	}
}

func TestWheelAngleForTurn(t *testing.T) {
	cases := []struct {
		name string
		w    Wheels
		turn float64
		want float64
	}{
		// wheel diameter equal to the track: wheel turns as much as the robot
		{"equal_sizes", Wheels{DiameterMm: 100, AxleTrackMm: 100}, 90, 90},
		{"double_track", Wheels{DiameterMm: 50, AxleTrackMm: 100}, 90, 180},
		{"negative_turn", Wheels{DiameterMm: 50, AxleTrackMm: 100}, -45, -90},
		{"zero_diameter", Wheels{AxleTrackMm: 100}, 90, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.w.WheelAngleForTurn(tc.turn); math.Abs(got-tc.want) > epsilon {
				t.Errorf("WheelAngleForTurn(%v) = %v, want %v", tc.turn, got, tc.want)
			}
		})
	}
}
