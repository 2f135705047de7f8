package gripper

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/LineGo/internal/debug"
)

// Defaults used when Options leaves a field at zero.
const (
	DefaultSpeed       = 500 // deg/s
	DefaultClosedAngle = -90 // deg from the calibrated (fully open) stop
)

var (
	// ErrPrecondition is the base of every guarded precondition error of this package.
	ErrPrecondition = errors.New("precondition violated")
	// ErrNotCalibrated is returned in strict mode when Open/Close run before Calibrate.
	ErrNotCalibrated = fmt.Errorf("%w: actuator not calibrated", ErrPrecondition)
)

// Motor is the part of a motor an actuator needs.
type Motor interface {
	RunUntilStalled(ctx context.Context, speed float64) (int, error)
	RunTarget(ctx context.Context, speed float64, target int) error
	ResetAngle(angle int) error
	Angle() int
}

// Options configures an Actuator.
type Options struct {
	Name        string
	ClosedAngle int
	Speed       float64 // default speed for Open/Close/Calibrate when called with 0
	// Strict rejects Open/Close before Calibrate instead of moving to an
	// undefined position.
	Strict bool
}

// Actuator is a single rotational joint (gripper jaw) zeroed against its
// mechanical stop.
//
// An Actuator is not safe for concurrent use: Calibrate must return before
// Open or Close are called.
type Actuator struct {
	motor       Motor
	name        string
	closedAngle int
	speed       float64
	strict      bool
	calibrated  bool
}

// New creates an actuator driving m.
func New(m Motor, opts Options) *Actuator {
	if opts.Speed == 0 {
		opts.Speed = DefaultSpeed
	}
	if opts.Name == "" {
		opts.Name = "gripper"
	}
	return &Actuator{
		motor:       m,
		name:        opts.Name,
		closedAngle: opts.ClosedAngle,
		speed:       opts.Speed,
		strict:      opts.Strict,
	}
}

// Name returns the actuator name.
func (a *Actuator) Name() string {
	return a.name
}

// ClosedAngle returns the target angle used by Close.
func (a *Actuator) ClosedAngle() int {
	return a.closedAngle
}

// Calibrated reports whether Calibrate completed successfully.
func (a *Actuator) Calibrated() bool {
	return a.calibrated
}

// Calibrate runs the motor until it stalls against the mechanical stop and
// makes that position angle zero. The motor holds at the stop.
func (a *Actuator) Calibrate(ctx context.Context, speed float64) error {
	speed = a.speedOr(speed)
	debug.Verbose("Actuator %s: calibrating at %.0f deg/s", a.name, speed)

	stallAngle, err := a.motor.RunUntilStalled(ctx, speed)
	if err != nil {
		return fmt.Errorf("calibrate %s: %w", a.name, err)
	}

	debug.Calibrated(a.name, stallAngle)
	if err := a.motor.ResetAngle(0); err != nil {
		return fmt.Errorf("calibrate %s: reset angle: %w", a.name, err)
	}
	a.calibrated = true
	return nil
}

// Close moves to the closed angle and blocks until the move completes.
func (a *Actuator) Close(ctx context.Context, speed float64) error {
	return a.moveTo(ctx, "close", speed, a.closedAngle)
}

// Open moves back to the calibrated zero and blocks until the move completes.
func (a *Actuator) Open(ctx context.Context, speed float64) error {
	return a.moveTo(ctx, "open", speed, 0)
}

// Grab is Close under the mission vocabulary.
func (a *Actuator) Grab(ctx context.Context, speed float64) error {
	return a.Close(ctx, speed)
}

// Release is Open under the mission vocabulary.
func (a *Actuator) Release(ctx context.Context, speed float64) error {
	return a.Open(ctx, speed)
}

func (a *Actuator) moveTo(ctx context.Context, op string, speed float64, target int) error {
	if a.strict && !a.calibrated {
		return fmt.Errorf("%s %s: %w", op, a.name, ErrNotCalibrated)
	}
	speed = a.speedOr(speed)
	debug.Live("Actuator %s: %s (target %d deg)", a.name, op, target)
	if err := a.motor.RunTarget(ctx, speed, target); err != nil {
		return fmt.Errorf("%s %s: %w", op, a.name, err)
	}
	return nil
}

func (a *Actuator) speedOr(speed float64) float64 {
	if speed == 0 {
		return a.speed
	}
	return speed
}
