// Package sim is a development backend: kinematic motors and reflectance
// sensors looking at a line track, so missions can run without a robot.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
)

// MotorConfig describes a simulated motor.
type MotorConfig struct {
	Name     string
	MaxSpeed float64 // deg/s, commanded speeds are clamped to it
	// Limited enables mechanical stops at MinAngle/MaxAngle (degrees, relative
	// to the power-on position). Running into a stop stalls the motor.
	Limited            bool
	MinAngle, MaxAngle float64
}

// Motor integrates its commanded speed over time. Position is computed
// lazily from the clock whenever it is observed.
type Motor struct {
	cfg MotorConfig
	now func() time.Time

	mu     sync.Mutex
	pos    float64 // degrees since power-on
	offset float64 // pos - Angle()
	speed  float64
	goal   *float64 // RunTarget destination, motion stops there
	t      time.Time
}

// NewMotor creates a motor at angle 0.
func NewMotor(cfg MotorConfig) *Motor {
	return newMotor(cfg, time.Now)
}

func newMotor(cfg MotorConfig, now func() time.Time) *Motor {
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 1000
	}
	return &Motor{cfg: cfg, now: now, t: now()}
}

// advance integrates motion up to now. Caller holds mu.
func (m *Motor) advance() {
	now := m.now()
	dt := now.Sub(m.t).Seconds()
	m.t = now
	if m.speed == 0 || dt <= 0 {
		return
	}
	m.pos += m.speed * dt
	if m.cfg.Limited {
		m.pos = math.Max(m.cfg.MinAngle, math.Min(m.cfg.MaxAngle, m.pos))
	}
	// A goal behind a stop stays set: the motor keeps pushing and is jammed.
	if m.goal != nil {
		if (m.speed > 0 && m.pos >= *m.goal) || (m.speed < 0 && m.pos <= *m.goal) {
			m.pos = *m.goal
			m.speed = 0
			m.goal = nil
		}
	}
}

// stalled reports whether the motor pushes against a mechanical stop. Caller holds mu.
func (m *Motor) stalled() bool {
	if !m.cfg.Limited {
		return false
	}
	return (m.speed > 0 && m.pos >= m.cfg.MaxAngle) || (m.speed < 0 && m.pos <= m.cfg.MinAngle)
}

func (m *Motor) clamp(speed float64) float64 {
	return math.Max(-m.cfg.MaxSpeed, math.Min(m.cfg.MaxSpeed, speed))
}

// position returns the raw position in degrees, for the world model.
func (m *Motor) position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	return m.pos
}

// Run drives the motor at speed (deg/s) until told otherwise.
func (m *Motor) Run(speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.goal = nil
	m.speed = m.clamp(speed)
	return nil
}

// Stop halts the motor.
func (m *Motor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.goal = nil
	m.speed = 0
	return nil
}

// Angle returns the angle in degrees relative to the last ResetAngle.
func (m *Motor) Angle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	return int(math.Round(m.pos - m.offset))
}

// ResetAngle redefines the current position as angle.
func (m *Motor) ResetAngle(angle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.offset = m.pos - float64(angle)
	return nil
}

// RunTarget moves to target and holds there. A target behind a mechanical
// stop is never reached: the call then blocks until ctx ends.
func (m *Motor) RunTarget(ctx context.Context, speed float64, target int) error {
	m.mu.Lock()
	m.advance()
	goal := float64(target) + m.offset
	speed = m.clamp(math.Abs(speed))
	if goal < m.pos {
		speed = -speed
	}
	if goal == m.pos || speed == 0 {
		m.speed = 0
		m.mu.Unlock()
		return nil
	}
	m.goal = &goal
	m.speed = speed
	m.mu.Unlock()

	debug.Trace("sim motor %s: run to %d at %.0f deg/s", m.cfg.Name, target, speed)
	return m.waitUntil(ctx, func() (bool, time.Duration) {
		if m.goal == nil && m.speed == 0 {
			return true, 0
		}
		return false, remaining(goal-m.pos, m.speed)
	})
}

// RunUntilStalled runs at speed until the motor hits a mechanical stop, then
// holds and returns the stall angle. Without a stop in that direction it
// blocks until ctx ends.
func (m *Motor) RunUntilStalled(ctx context.Context, speed float64) (int, error) {
	if err := m.Run(speed); err != nil {
		return 0, err
	}
	err := m.waitUntil(ctx, func() (bool, time.Duration) {
		if m.stalled() {
			return true, 0
		}
		edge := m.cfg.MaxAngle
		if m.speed < 0 {
			edge = m.cfg.MinAngle
		}
		return false, remaining(edge-m.pos, m.speed)
	})
	if err != nil {
		return m.Angle(), err
	}

	m.mu.Lock()
	m.speed = 0
	angle := int(math.Round(m.pos - m.offset))
	m.mu.Unlock()
	return angle, nil
}

// waitUntil advances the motor until done reports true, sleeping the
// predicted remaining time between checks. done runs with mu held.
func (m *Motor) waitUntil(ctx context.Context, done func() (bool, time.Duration)) error {
	const (
		minWait = 100 * time.Microsecond
		maxWait = 50 * time.Millisecond
	)
	for {
		m.mu.Lock()
		m.advance()
		ok, wait := done()
		blocked := m.stalled() && m.goal != nil
		m.mu.Unlock()
		if ok {
			return nil
		}
		if blocked || !m.cfg.Limited && wait <= 0 {
			wait = maxWait
		}
		wait = min(max(wait, minWait), maxWait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			m.Stop()
			return fmt.Errorf("sim motor %s: %w", m.cfg.Name, ctx.Err())
		case <-t.C:
		}
	}
}

// remaining predicts how long it takes to cover delta degrees at speed.
func remaining(delta, speed float64) time.Duration {
	if speed == 0 || delta*speed <= 0 {
		return 0
	}
	return time.Duration(delta / speed * float64(time.Second))
}
