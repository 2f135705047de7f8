package sim

import (
	"math"
	"sync"

	"github.com/cjeanneret/LineGo/internal/logic/geometry"
)

// Point is a position on the floor in mm.
type Point struct {
	X, Y float64
}

// Line is a straight piece of tape between two points.
type Line struct {
	From, To Point
}

// Pose is the robot position (axle center) and heading in degrees,
// counterclockwise from the X axis.
type Pose struct {
	X, Y, Heading float64
}

// WorldConfig describes the track and how the robot sits on it.
type WorldConfig struct {
	Lines     []Line
	LineWidth float64 // mm
	EdgeWidth float64 // mm of gradient between line edge and bare floor
	Start     Pose

	Wheels geometry.Wheels
	// Sensors sit SensorForward mm ahead of the axle, SensorSpacing mm apart.
	SensorForward float64
	SensorSpacing float64

	Dark, Bright int // readings over the line and over bare floor
}

// Side selects a sensor.
type Side int

const (
	Left Side = iota
	Right
)

// World tracks the robot pose by integrating the drive motor rotations.
type World struct {
	cfg         WorldConfig
	left, right *Motor

	mu           sync.Mutex
	pose         Pose
	lastL, lastR float64
}

// NewWorld places the robot at cfg.Start, driven by the given wheel motors.
func NewWorld(cfg WorldConfig, left, right *Motor) *World {
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = 19
	}
	if cfg.Bright == 0 && cfg.Dark == 0 {
		cfg.Dark, cfg.Bright = 5, 60
	}
	return &World{
		cfg:   cfg,
		left:  left,
		right: right,
		pose:  cfg.Start,
		lastL: left.position(),
		lastR: right.position(),
	}
}

// update integrates wheel motion since the last call (differential drive,
// midpoint heading). Caller holds mu.
func (w *World) update() {
	l, r := w.left.position(), w.right.position()
	dl := w.cfg.Wheels.DistanceFromAngle(l - w.lastL)
	dr := w.cfg.Wheels.DistanceFromAngle(r - w.lastR)
	w.lastL, w.lastR = l, r

	var dTheta float64
	if w.cfg.Wheels.AxleTrackMm > 0 {
		dTheta = (dr - dl) / w.cfg.Wheels.AxleTrackMm
	}
	mid := w.pose.Heading*math.Pi/180 + dTheta/2
	ds := (dl + dr) / 2
	w.pose.X += ds * math.Cos(mid)
	w.pose.Y += ds * math.Sin(mid)
	w.pose.Heading += dTheta * 180 / math.Pi
}

// Pose returns the current robot pose.
func (w *World) Pose() Pose {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.update()
	return w.pose
}

// sensorPoint returns where a sensor looks at the floor. Caller holds mu.
func (w *World) sensorPoint(side Side) Point {
	th := w.pose.Heading * math.Pi / 180
	lateral := w.cfg.SensorSpacing / 2
	if side == Right {
		lateral = -lateral
	}
	return Point{
		X: w.pose.X + w.cfg.SensorForward*math.Cos(th) - lateral*math.Sin(th),
		Y: w.pose.Y + w.cfg.SensorForward*math.Sin(th) + lateral*math.Cos(th),
	}
}

// reflectionAt is Dark on a line, Bright on bare floor and ramps between the
// two across EdgeWidth.
func (w *World) reflectionAt(p Point) int {
	d := math.Inf(1)
	for _, l := range w.cfg.Lines {
		d = math.Min(d, distanceToLine(p, l))
	}
	half := w.cfg.LineWidth / 2
	switch {
	case d <= half:
		return w.cfg.Dark
	case w.cfg.EdgeWidth <= 0 || d >= half+w.cfg.EdgeWidth:
		return w.cfg.Bright
	}
	f := (d - half) / w.cfg.EdgeWidth
	return w.cfg.Dark + int(math.Round(f*float64(w.cfg.Bright-w.cfg.Dark)))
}

func distanceToLine(p Point, l Line) float64 {
	dx, dy := l.To.X-l.From.X, l.To.Y-l.From.Y
	den := dx*dx + dy*dy
	t := 0.0
	if den > 0 {
		t = ((p.X-l.From.X)*dx + (p.Y-l.From.Y)*dy) / den
		t = math.Max(0, math.Min(1, t))
	}
	return math.Hypot(p.X-(l.From.X+t*dx), p.Y-(l.From.Y+t*dy))
}

// Sensor returns the reflectance sensor on the given side.
func (w *World) Sensor(side Side) *Sensor {
	return &Sensor{world: w, side: side}
}

// Sensor is a reflectance sensor looking at the simulated floor.
type Sensor struct {
	world *World
	side  Side
}

// Reflection returns the reading under the sensor at the current pose.
func (s *Sensor) Reflection() (int, error) {
	w := s.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.update()
	return w.reflectionAt(w.sensorPoint(s.side)), nil
}
