// Package drivebase turns the two drive motors of a differential robot into
// odometry and whole-robot moves (in-place turns, straight moves).
package drivebase

import (
	"context"
	"fmt"
	"math"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/logic/geometry"
	"github.com/cjeanneret/LineGo/internal/logic/task"
	"go.uber.org/multierr"
)

// DefaultTurnSpeed is the wheel speed (deg/s) used by Turn and Straight when
// Config.TurnSpeed is zero.
const DefaultTurnSpeed = 200

// Motor is the part of a drive motor the drive base needs.
type Motor interface {
	RunTarget(ctx context.Context, speed float64, target int) error
	Angle() int
	Stop() error
}

// Config describes the drive geometry.
type Config struct {
	Wheels    geometry.Wheels
	TurnSpeed float64 // deg/s at the wheel
}

// DriveBase orchestrates both drive wheels. It is an intermediate layer
// between the mission steps and the motors.
type DriveBase struct {
	left, right Motor
	cfg         Config

	// wheel angles at the last Reset
	left0, right0 int
}

// New wires a drive base and takes the current wheel angles as the odometry origin.
func New(left, right Motor, cfg Config) *DriveBase {
	if cfg.TurnSpeed <= 0 {
		cfg.TurnSpeed = DefaultTurnSpeed
	}
	d := &DriveBase{left: left, right: right, cfg: cfg}
	d.Reset()
	return d
}

// Motors returns the left and right motor handles.
func (d *DriveBase) Motors() (Motor, Motor) {
	return d.left, d.right
}

// Reset makes the current position the odometry origin.
func (d *DriveBase) Reset() {
	d.left0, d.right0 = d.left.Angle(), d.right.Angle()
}

// Distance returns the signed distance (mm) traveled since the last Reset,
// from the mean rotation of both wheels.
func (d *DriveBase) Distance() float64 {
	l := float64(d.left.Angle() - d.left0)
	r := float64(d.right.Angle() - d.right0)
	return d.cfg.Wheels.DistanceFromAngle((l + r) / 2)
}

// Heading returns the rotation (degrees, clockwise positive) since the last
// Reset, from the wheel angle difference.
func (d *DriveBase) Heading() float64 {
	if d.cfg.Wheels.AxleTrackMm == 0 {
		return 0
	}
	dl := d.cfg.Wheels.DistanceFromAngle(float64(d.left.Angle() - d.left0))
	dr := d.cfg.Wheels.DistanceFromAngle(float64(d.right.Angle() - d.right0))
	return (dl - dr) / d.cfg.Wheels.AxleTrackMm * 180 / math.Pi
}

// Turn rotates the robot in place by degrees (positive is clockwise seen from
// above) and blocks until both wheels reached their target.
func (d *DriveBase) Turn(ctx context.Context, degrees float64) error {
	wheel := int(math.Round(d.cfg.Wheels.WheelAngleForTurn(degrees)))
	debug.Verbose("DriveBase: turn %.1f deg (wheels %+d/%+d deg)", degrees, wheel, -wheel)
	if err := d.moveWheels(ctx, wheel, -wheel); err != nil {
		return fmt.Errorf("turn %.1f: %w", degrees, err)
	}
	return nil
}

// Straight drives distance mm (negative is backwards) without steering.
func (d *DriveBase) Straight(ctx context.Context, distance float64) error {
	wheel := int(math.Round(d.cfg.Wheels.AngleFromDistance(distance)))
	debug.Verbose("DriveBase: straight %.1f mm (wheels %+d deg)", distance, wheel)
	if err := d.moveWheels(ctx, wheel, wheel); err != nil {
		return fmt.Errorf("straight %.1f: %w", distance, err)
	}
	return nil
}

// moveWheels runs both relative wheel moves concurrently and joins them.
// A failing wheel cancels the other one.
func (d *DriveBase) moveWheels(ctx context.Context, left, right int) error {
	lt := d.left.Angle() + left
	rt := d.right.Angle() + right
	speed := d.cfg.TurnSpeed

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := task.Go(ctx, "left wheel", cancelOnError(cancel, func(ctx context.Context) error {
		return d.left.RunTarget(ctx, speed, lt)
	}))
	r := task.Go(ctx, "right wheel", cancelOnError(cancel, func(ctx context.Context) error {
		return d.right.RunTarget(ctx, speed, rt)
	}))
	return task.JoinAll(l, r)
}

func cancelOnError(cancel context.CancelFunc, fn task.Func) task.Func {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			cancel()
		}
		return err
	}
}

// Stop stops both wheels.
func (d *DriveBase) Stop() error {
	return multierr.Combine(d.left.Stop(), d.right.Stop())
}
