// Package mission runs a robot mission: gripper calibrations fanned out as
// concurrent tasks, and mission steps executed strictly one after another.
package mission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/logic/task"
)

// CalibrationMode decides how calibrations relate to the step sequence.
type CalibrationMode string

const (
	// Concurrent runs calibrations alongside the steps. A grab/release step
	// waits for the calibration of its own gripper only.
	Concurrent CalibrationMode = "concurrent"
	// Before finishes every calibration before the first step.
	Before CalibrationMode = "before"
)

var (
	// ErrSharedMotor is returned by New when one motor is wired to two controllers.
	ErrSharedMotor = errors.New("motor wired to more than one controller")
	// ErrCalibrationFailed is returned by a grab/release step whose gripper
	// could not be calibrated.
	ErrCalibrationFailed = errors.New("gripper calibration failed")
)

// Follower is the line follower as used by line steps.
type Follower interface {
	FollowForDuration(ctx context.Context, d time.Duration, backwards bool) error
	FollowUntilCrossing(ctx context.Context, backwards bool) error
	FollowForAngle(ctx context.Context, degrees float64, backwards bool) error
	FollowForDistance(ctx context.Context, distance float64, backwards bool) error
	DriveStraightUntilLine(ctx context.Context, backwards bool) error
}

// DriveBase moves the whole robot.
type DriveBase interface {
	Turn(ctx context.Context, degrees float64) error
	Straight(ctx context.Context, distance float64) error
}

// Gripper is a calibrated single joint actuator.
type Gripper interface {
	Calibrate(ctx context.Context, speed float64) error
	Grab(ctx context.Context, speed float64) error
	Release(ctx context.Context, speed float64) error
}

// Beeper gives audible feedback without blocking.
type Beeper interface {
	Beep()
}

// Robot is everything a mission may command.
type Robot struct {
	// Follower returns the line follower running at speed (0 = configured base speed).
	Follower func(speed float64) Follower
	Drive    DriveBase
	Beeper   Beeper
	Grippers map[string]Gripper

	// Motor handles, for the ownership check. Values are compared with ==.
	DriveMotors   []any
	GripperMotors map[string]any
}

// Config describes what a mission does.
type Config struct {
	Steps []Step
	// Calibrate lists the grippers to calibrate, in start order. Nil means all.
	Calibrate        []string
	Mode             CalibrationMode
	CalibrationSpeed float64 // 0 = actuator default
}

// Mission is a validated mission bound to a robot.
type Mission struct {
	robot Robot
	cfg   Config
}

// New validates cfg against robot.
func New(robot Robot, cfg Config) (*Mission, error) {
	if cfg.Mode == "" {
		cfg.Mode = Concurrent
	}
	if cfg.Mode != Concurrent && cfg.Mode != Before {
		return nil, fmt.Errorf("unknown calibration mode %q", cfg.Mode)
	}
	if cfg.Calibrate == nil {
		for name := range robot.Grippers {
			cfg.Calibrate = append(cfg.Calibrate, name)
		}
	}
	seen := make(map[string]bool)
	for _, name := range cfg.Calibrate {
		if _, ok := robot.Grippers[name]; !ok {
			return nil, fmt.Errorf("calibrate: unknown gripper %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("calibrate: gripper %q listed twice", name)
		}
		seen[name] = true
	}

	for i, s := range cfg.Steps {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		switch {
		case s.usesFollower() && robot.Follower == nil:
			return nil, fmt.Errorf("step %d: %s needs a line follower", i+1, s.Kind)
		case s.usesDrive() && robot.Drive == nil:
			return nil, fmt.Errorf("step %d: %s needs a drive base", i+1, s.Kind)
		case s.usesGripper():
			if _, ok := robot.Grippers[s.Gripper]; !ok {
				return nil, fmt.Errorf("step %d: unknown gripper %q", i+1, s.Gripper)
			}
		}
	}

	if err := checkOwnership(robot); err != nil {
		return nil, err
	}
	return &Mission{robot: robot, cfg: cfg}, nil
}

// checkOwnership rejects a motor used by a gripper and by the drive, or by
// two grippers. The line follower and the drive base share the drive motors:
// they only run in separate steps.
func checkOwnership(robot Robot) error {
	owner := make(map[any]string)
	for _, m := range robot.DriveMotors {
		if m != nil {
			owner[m] = "drive"
		}
	}
	for name, m := range robot.GripperMotors {
		if m == nil {
			continue
		}
		if other, ok := owner[m]; ok {
			return fmt.Errorf("%w: gripper %s and %s", ErrSharedMotor, name, other)
		}
		owner[m] = "gripper " + name
	}
	return nil
}

// Steps returns the mission steps.
func (m *Mission) Steps() []Step {
	return m.cfg.Steps
}

// Run calibrates the grippers and runs every step, and returns once all of
// them finished. The first failure cancels everything still running; all
// errors are returned combined.
func (m *Mission) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	debug.Section("Mission")
	debug.Value("Steps", len(m.cfg.Steps))
	debug.Value("Calibration", m.cfg.Mode)
	start := time.Now()

	calibrations := make(map[string]*task.Task, len(m.cfg.Calibrate))
	tasks := make([]*task.Task, 0, len(m.cfg.Calibrate)+1)
	for _, name := range m.cfg.Calibrate {
		g := m.robot.Grippers[name]
		t := task.Go(ctx, "calibrate "+name, cancelOnError(cancel, func(ctx context.Context) error {
			return g.Calibrate(ctx, m.cfg.CalibrationSpeed)
		}))
		calibrations[name] = t
		tasks = append(tasks, t)
	}

	if m.cfg.Mode == Before {
		if err := task.JoinAll(tasks...); err != nil {
			return err
		}
		debug.Live("All grippers calibrated")
	}

	tasks = append(tasks, task.Go(ctx, "mission", cancelOnError(cancel, func(ctx context.Context) error {
		return m.runSteps(ctx, calibrations)
	})))
	if err := task.JoinAll(tasks...); err != nil {
		return err
	}

	debug.Summary("Mission complete")
	debug.Value("Elapsed", time.Since(start).Round(time.Millisecond))
	return nil
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

func (m *Mission) runSteps(ctx context.Context, calibrations map[string]*task.Task) error {
	for i, s := range m.cfg.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		debug.Segment(i+1, len(m.cfg.Steps), s.String())
		if err := m.runStep(ctx, s, calibrations); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.Kind, err)
		}
	}
	return nil
}

func (m *Mission) runStep(ctx context.Context, s Step, calibrations map[string]*task.Task) error {
	switch s.Kind {
	case StraightUntilLine:
		return m.robot.Follower(s.Speed).DriveStraightUntilLine(ctx, s.Backwards)
	case FollowUntilCrossing:
		return m.robot.Follower(s.Speed).FollowUntilCrossing(ctx, s.Backwards)
	case FollowForDuration:
		return m.robot.Follower(s.Speed).FollowForDuration(ctx, s.Duration, s.Backwards)
	case FollowForAngle:
		return m.robot.Follower(s.Speed).FollowForAngle(ctx, s.Degrees, s.Backwards)
	case FollowForDistance:
		return m.robot.Follower(s.Speed).FollowForDistance(ctx, s.Distance, s.Backwards)
	case Turn:
		return m.robot.Drive.Turn(ctx, s.Degrees)
	case Straight:
		return m.robot.Drive.Straight(ctx, s.Distance)
	case Beep:
		if m.robot.Beeper == nil {
			debug.Verbose("no beeper configured")
			return nil
		}
		m.robot.Beeper.Beep()
		return nil
	case Wait:
		t := time.NewTimer(s.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	case Grab, Release:
		if c, ok := calibrations[s.Gripper]; ok {
			if err := c.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %s", ErrCalibrationFailed, s.Gripper)
			}
		}
		g := m.robot.Grippers[s.Gripper]
		if s.Kind == Grab {
			return g.Grab(ctx, s.Speed)
		}
		return g.Release(ctx, s.Speed)
	}
	return fmt.Errorf("unknown step %q", s.Kind)
}
