package linefollow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
	"go.uber.org/multierr"
)

// Defaults for Params fields left at zero.
const (
	DefaultBaseSpeed     = 100 // deg/s
	DefaultKp            = 1.0
	DefaultLineThreshold = 15
	DefaultPeriod        = 30 * time.Millisecond

	// SlowSpeed and FastSpeed are the base speed presets used by mission steps.
	SlowSpeed = 50
	FastSpeed = 100
)

var (
	// ErrPrecondition is the base of every guarded precondition error of this package.
	ErrPrecondition = errors.New("precondition violated")
	// ErrNoOdometry is returned by FollowForDistance when no odometry was wired.
	ErrNoOdometry = fmt.Errorf("%w: no odometry configured", ErrPrecondition)
	// ErrTimeoutExceeded is returned when Params.MaxTicks iterations ran
	// without the termination predicate becoming true.
	ErrTimeoutExceeded = errors.New("maximum ticks exceeded")
)

// Motor is a drive motor as seen by the line follower.
type Motor interface {
	Run(speed float64) error
	Stop() error
	Angle() int
}

// Sensor is a reflectance sensor. Higher readings are brighter surfaces.
type Sensor interface {
	Reflection() (int, error)
}

// Odometry reports the cumulative signed distance traveled by the robot.
type Odometry interface {
	Distance() float64
}

// Direction selects the sign of the base speed.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

func directionOf(backwards bool) Direction {
	if backwards {
		return Backward
	}
	return Forward
}

// Params are the controller tunables. Keeping the commanded speeds inside the
// motors' range is up to the caller.
type Params struct {
	BaseSpeed     float64       // deg/s, forward
	Kp            float64       // proportional gain on the reflection difference
	LineThreshold int           // both sensors below this = crossing
	Period        time.Duration // control loop period
	// MaxTicks bounds every mode to this many iterations (0 = unbounded).
	MaxTicks int
}

// DefaultParams returns the tuning the robot ships with.
func DefaultParams() Params {
	return Params{
		BaseSpeed:     DefaultBaseSpeed,
		Kp:            DefaultKp,
		LineThreshold: DefaultLineThreshold,
		Period:        DefaultPeriod,
	}
}

// LineFollower steers two drive motors from two reflectance sensors.
// It keeps no state between calls; every mode snapshots what it needs at entry.
type LineFollower struct {
	left, right             Motor
	leftSensor, rightSensor Sensor
	odometry                Odometry
	p                       Params
}

// New wires a line follower. odometry may be nil if FollowForDistance is never used.
func New(left, right Motor, leftSensor, rightSensor Sensor, odometry Odometry, p Params) *LineFollower {
	if p.Period <= 0 {
		p.Period = DefaultPeriod
	}
	return &LineFollower{
		left:        left,
		right:       right,
		leftSensor:  leftSensor,
		rightSensor: rightSensor,
		odometry:    odometry,
		p:           p,
	}
}

// Params returns the controller parameters.
func (lf *LineFollower) Params() Params {
	return lf.p
}

// WithBaseSpeed returns a copy of lf using a different base speed.
func (lf *LineFollower) WithBaseSpeed(speed float64) *LineFollower {
	c := *lf
	c.p.BaseSpeed = speed
	return &c
}

// sample is one simultaneous reading of both sensors.
type sample struct {
	left, right int
}

func (lf *LineFollower) read() (sample, error) {
	l, err := lf.leftSensor.Reflection()
	if err != nil {
		return sample{}, fmt.Errorf("read left sensor: %w", err)
	}
	r, err := lf.rightSensor.Reflection()
	if err != nil {
		return sample{}, fmt.Errorf("read right sensor: %w", err)
	}
	return sample{left: l, right: r}, nil
}

func (lf *LineFollower) signedBase(dir Direction) float64 {
	if dir == Backward {
		return -lf.p.BaseSpeed
	}
	return lf.p.BaseSpeed
}

// steer computes the wheel speeds for one sample.
// A positive diff means the left sensor sees a brighter surface, so the left
// wheel speeds up and the robot veers right.
func (lf *LineFollower) steer(s sample, dir Direction) (float64, float64) {
	diff := float64(s.left - s.right)
	base := lf.signedBase(dir)
	return base + lf.p.Kp*diff, base - diff*lf.p.Kp
}

func (lf *LineFollower) command(leftSpeed, rightSpeed float64) error {
	if err := lf.left.Run(leftSpeed); err != nil {
		return fmt.Errorf("run left motor: %w", err)
	}
	if err := lf.right.Run(rightSpeed); err != nil {
		return fmt.Errorf("run right motor: %w", err)
	}
	return nil
}

func (lf *LineFollower) stop() error {
	return multierr.Combine(lf.left.Stop(), lf.right.Stop())
}

// onLine reports whether both sensors see the line at once.
func (lf *LineFollower) onLine(s sample) bool {
	return s.left < lf.p.LineThreshold && s.right < lf.p.LineThreshold
}

// Tick reads both sensors once, commands both motors and returns the
// commanded (left, right) speeds.
func (lf *LineFollower) Tick(dir Direction) (float64, float64, error) {
	s, err := lf.read()
	if err != nil {
		return 0, 0, err
	}
	l, r := lf.steer(s, dir)
	return l, r, lf.command(l, r)
}

// predicate decides, from the current sample, whether the loop is done.
type predicate func(s sample) (bool, error)

// action is applied once per iteration while the predicate is false.
type action func(n int, s sample) error

func (lf *LineFollower) tickAction(mode string, dir Direction) action {
	return func(n int, s sample) error {
		l, r := lf.steer(s, dir)
		debug.Tick(mode, n, s.left, s.right, l, r)
		return lf.command(l, r)
	}
}

// drive is the loop shared by every mode: sample, check, act, sleep.
// Both motors are stopped whatever the reason the loop ends.
func (lf *LineFollower) drive(ctx context.Context, mode string, done predicate, act action) (err error) {
	defer func() {
		err = multierr.Append(err, lf.stop())
		if err != nil {
			err = fmt.Errorf("%s: %w", mode, err)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := lf.read()
		if err != nil {
			return err
		}
		finished, err := done(s)
		if err != nil {
			return err
		}
		if finished {
			debug.Verbose("%s: done after %d ticks", mode, n)
			return nil
		}
		if lf.p.MaxTicks > 0 && n >= lf.p.MaxTicks {
			return fmt.Errorf("%w (%d)", ErrTimeoutExceeded, lf.p.MaxTicks)
		}
		if err := act(n, s); err != nil {
			return err
		}

		timer.Reset(lf.p.Period)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// FollowForDuration follows the line for floor(d / Period) ticks.
// Sleep jitter is not compensated.
func (lf *LineFollower) FollowForDuration(ctx context.Context, d time.Duration, backwards bool) error {
	dir := directionOf(backwards)
	ticks := int(d / lf.p.Period)
	debug.Verbose("follow for %v (%d ticks, %s)", d, ticks, dir)

	n := 0
	act := lf.tickAction("follow_for_duration", dir)
	return lf.drive(ctx, "follow for duration", func(sample) (bool, error) {
		return n >= ticks, nil
	}, func(i int, s sample) error {
		n++
		return act(i, s)
	})
}

// FollowUntilCrossing follows the line until both sensors are below the
// line threshold in the same sample.
func (lf *LineFollower) FollowUntilCrossing(ctx context.Context, backwards bool) error {
	dir := directionOf(backwards)
	debug.Verbose("follow until crossing (%s, threshold %d)", dir, lf.p.LineThreshold)

	return lf.drive(ctx, "follow until crossing", func(s sample) (bool, error) {
		return lf.onLine(s), nil
	}, lf.tickAction("follow_until_crossing", dir))
}

// FollowForAngle follows the line until the mean rotation of both drive
// motors since entry reaches degrees (or -degrees when backwards).
func (lf *LineFollower) FollowForAngle(ctx context.Context, degrees float64, backwards bool) error {
	dir := directionOf(backwards)
	target := math.Abs(degrees)
	if backwards {
		target = -target
	}
	l0, r0 := lf.left.Angle(), lf.right.Angle()
	debug.Verbose("follow for angle %.0f (%s, start %d/%d)", target, dir, l0, r0)

	return lf.drive(ctx, "follow for angle", func(sample) (bool, error) {
		moved := float64((lf.left.Angle()-l0)+(lf.right.Angle()-r0)) / 2
		if backwards {
			return moved <= target, nil
		}
		return moved >= target, nil
	}, lf.tickAction("follow_for_angle", dir))
}

// FollowForDistance follows the line until the odometry reports distance
// (mm, magnitude) traveled since entry.
func (lf *LineFollower) FollowForDistance(ctx context.Context, distance float64, backwards bool) error {
	if lf.odometry == nil {
		return fmt.Errorf("follow for distance: %w", ErrNoOdometry)
	}
	dir := directionOf(backwards)
	distance = math.Abs(distance)
	d0 := lf.odometry.Distance()
	debug.Verbose("follow for distance %.1f mm (%s, start %.1f)", distance, dir, d0)

	return lf.drive(ctx, "follow for distance", func(sample) (bool, error) {
		return math.Abs(lf.odometry.Distance()-d0) >= distance, nil
	}, lf.tickAction("follow_for_distance", dir))
}

// DriveStraightUntilLine drives both wheels at the same base speed, without
// steering, until both sensors see the line. Used to reach a line from a spot
// where none is visible yet.
func (lf *LineFollower) DriveStraightUntilLine(ctx context.Context, backwards bool) error {
	speed := lf.signedBase(directionOf(backwards))
	debug.Verbose("drive straight until line at %.0f deg/s", speed)

	if err := lf.command(speed, speed); err != nil {
		return multierr.Append(fmt.Errorf("drive straight until line: %w", err), lf.stop())
	}
	return lf.drive(ctx, "drive straight until line", func(s sample) (bool, error) {
		return lf.onLine(s), nil
	}, func(n int, s sample) error {
		debug.Tick("straight_until_line", n, s.left, s.right, speed, speed)
		return nil
	})
}
