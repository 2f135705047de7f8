package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/hw/gpio"
	"github.com/felixge/pidctrl"
	"go.uber.org/multierr"
)

// Motor is the command surface shared by every motor backend (GPIO, simulation).
// Speeds are in degrees per second, angles in degrees relative to the last ResetAngle.
type Motor interface {
	Run(speed float64) error
	RunTarget(ctx context.Context, speed float64, target int) error
	RunUntilStalled(ctx context.Context, speed float64) (int, error)
	ResetAngle(angle int) error
	Angle() int
	Stop() error
}

// Config holds the hardware configuration for a DC motor driven through an
// H-bridge (two direction pins + one PWM enable pin) with a quadrature encoder.
type Config struct {
	Name         string
	ForwardPin   int
	ReversePin   int
	PWMPin       int
	EncoderAPin  int
	EncoderBPin  int
	CountsPerRev int     // quadrature counts per output shaft revolution
	MaxSpeed     float64 // deg/s reached at 100% duty
	PWMFreqHz    int
	Inverted     bool

	PollInterval    time.Duration // encoder sampling period
	ControlInterval time.Duration // RunTarget / RunUntilStalled loop period
	StallWindow     time.Duration // no progress for this long = stalled
	StallMinTravel  int           // degrees that count as progress within StallWindow
	TargetTolerance int           // degrees

	Kp, Ki, Kd float64 // RunTarget position gains
}

// ErrInvalidConfig is returned by NewDC for unusable motor configurations.
var ErrInvalidConfig = errors.New("invalid motor config")

// quadrature transition table indexed by prev<<2 | cur, where state = A<<1 | B.
var quadTable = [16]int8{0, -1, 1, 0, 1, 0, 0, -1, -1, 0, 0, 1, 0, 1, -1, 0}

// DC is a GPIO-driven DC motor with encoder feedback.
// The encoder is sampled by a background goroutine started in NewDC and
// stopped by Close; the count is the only state shared with it.
type DC struct {
	gpio gpio.Driver
	cfg  Config

	mu     sync.Mutex
	count  int64
	offset int64 // counts subtracted so that Angle() reads the last ResetAngle value
	state  uint8

	cancel context.CancelFunc
	done   chan struct{}

	// active position hold, running between a completed move and the next command
	holdMu     sync.Mutex
	holdCancel context.CancelFunc
	holdDone   chan struct{}
}

// NewDC configures the pins and starts the encoder sampler.
// Zero timing fields fall back to sane defaults.
func NewDC(g gpio.Driver, cfg Config) (*DC, error) {
	if cfg.CountsPerRev <= 0 {
		return nil, fmt.Errorf("%w: %s counts_per_rev must be > 0", ErrInvalidConfig, cfg.Name)
	}
	if cfg.MaxSpeed <= 0 {
		return nil, fmt.Errorf("%w: %s max_speed must be > 0", ErrInvalidConfig, cfg.Name)
	}
	if cfg.PWMFreqHz <= 0 {
		cfg.PWMFreqHz = 20000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Microsecond
	}
	if cfg.ControlInterval <= 0 {
		cfg.ControlInterval = 10 * time.Millisecond
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 200 * time.Millisecond
	}
	if cfg.StallMinTravel <= 0 {
		cfg.StallMinTravel = 2
	}
	if cfg.TargetTolerance <= 0 {
		cfg.TargetTolerance = 2
	}
	if cfg.Kp == 0 && cfg.Ki == 0 && cfg.Kd == 0 {
		cfg.Kp = 8
	}

	err := multierr.Combine(
		g.SetupPin(cfg.ForwardPin, gpio.Output),
		g.SetupPin(cfg.ReversePin, gpio.Output),
		g.SetupPin(cfg.PWMPin, gpio.PWM),
		g.SetupPin(cfg.EncoderAPin, gpio.Input),
		g.SetupPin(cfg.EncoderBPin, gpio.Input),
	)
	if err != nil {
		return nil, fmt.Errorf("setup motor %s: %w", cfg.Name, err)
	}

	m := &DC{gpio: g, cfg: cfg}
	m.state, _ = m.readEncoder()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.pollEncoder(ctx)

	if err := m.coast(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *DC) readEncoder() (uint8, error) {
	a, err := m.gpio.ReadPin(m.cfg.EncoderAPin)
	if err != nil {
		return 0, err
	}
	b, err := m.gpio.ReadPin(m.cfg.EncoderBPin)
	if err != nil {
		return 0, err
	}
	var s uint8
	if a == gpio.High {
		s |= 2
	}
	if b == gpio.High {
		s |= 1
	}
	return s, nil
}

func (m *DC) pollEncoder(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s, err := m.readEncoder()
		if err != nil {
			continue
		}
		m.observe(s)
	}
}

// observe feeds one encoder sample into the counter.
func (m *DC) observe(s uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := int64(quadTable[m.state<<2|s])
	if m.cfg.Inverted {
		d = -d
	}
	m.count += d
	m.state = s
}

// Angle returns the output shaft angle in degrees.
func (m *DC) Angle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int((m.count - m.offset) * 360 / int64(m.cfg.CountsPerRev))
}

// ResetAngle redefines the current position as angle.
func (m *DC) ResetAngle(angle int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = m.count - int64(angle)*int64(m.cfg.CountsPerRev)/360
	debug.Verbose("Motor %s: angle reset to %d", m.cfg.Name, angle)
	return nil
}

// rawAngle is the shaft angle in degrees since power-on, unaffected by ResetAngle.
func (m *DC) rawAngle() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.count) * 360 / float64(m.cfg.CountsPerRev)
}

// rawTarget converts an angle relative to the last ResetAngle to a raw angle.
func (m *DC) rawTarget(target int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.offset)*360/float64(m.cfg.CountsPerRev) + float64(target)
}

// Run drives the motor at speed (deg/s, signed) open-loop until told otherwise.
func (m *DC) Run(speed float64) error {
	m.stopHold()
	return m.drive(speed)
}

func (m *DC) drive(speed float64) error {
	if m.cfg.Inverted {
		speed = -speed
	}
	duty := math.Min(math.Abs(speed)/m.cfg.MaxSpeed, 1)

	fwd, rev := gpio.Low, gpio.Low
	switch {
	case speed > 0:
		fwd = gpio.High
	case speed < 0:
		rev = gpio.High
	}

	if err := m.gpio.WritePin(m.cfg.ForwardPin, fwd); err != nil {
		return err
	}
	if err := m.gpio.WritePin(m.cfg.ReversePin, rev); err != nil {
		return err
	}
	return m.gpio.SetPWM(m.cfg.PWMPin, m.cfg.PWMFreqHz, duty)
}

// Stop ends any hold and lets the motor coast.
func (m *DC) Stop() error {
	m.stopHold()
	return m.coast()
}

func (m *DC) coast() error {
	return multierr.Combine(
		m.gpio.SetPWM(m.cfg.PWMPin, m.cfg.PWMFreqHz, 0),
		m.gpio.WritePin(m.cfg.ForwardPin, gpio.Low),
		m.gpio.WritePin(m.cfg.ReversePin, gpio.Low),
	)
}

func (m *DC) newPID(speed, setpoint float64) *pidctrl.PIDController {
	pid := pidctrl.NewPIDController(m.cfg.Kp, m.cfg.Ki, m.cfg.Kd)
	pid.SetOutputLimits(-speed, speed)
	pid.Set(setpoint)
	return pid
}

// hold keeps the shaft at the raw angle setpoint in the background, pushing
// back at up to speed whenever it is moved out of tolerance. It runs until
// the next Run, RunTarget, RunUntilStalled, Stop or Close.
func (m *DC) hold(setpoint, speed float64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.holdMu.Lock()
	m.holdCancel, m.holdDone = cancel, done
	m.holdMu.Unlock()

	debug.Verbose("Motor %s: holding at %.0f deg (raw)", m.cfg.Name, setpoint)
	go func() {
		defer close(done)
		pid := m.newPID(speed, setpoint)
		t := time.NewTicker(m.cfg.ControlInterval)
		defer t.Stop()
		for {
			pos := m.rawAngle()
			out := 0.0
			if math.Abs(setpoint-pos) > float64(m.cfg.TargetTolerance) {
				out = pid.UpdateDuration(pos, m.cfg.ControlInterval)
			}
			if err := m.drive(out); err != nil {
				debug.Error(fmt.Errorf("motor %s: hold: %w", m.cfg.Name, err))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

// stopHold ends the background hold, if any, and waits for it to exit.
func (m *DC) stopHold() {
	m.holdMu.Lock()
	cancel, done := m.holdCancel, m.holdDone
	m.holdCancel, m.holdDone = nil, nil
	m.holdMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// RunTarget moves to target (degrees) at up to speed and holds there.
// It blocks until the position is within tolerance; there is no timeout
// other than ctx.
func (m *DC) RunTarget(ctx context.Context, speed float64, target int) error {
	m.stopHold()
	speed = math.Abs(speed)
	pid := m.newPID(speed, float64(target))

	debug.Verbose("Motor %s: run to %d deg at %.0f deg/s", m.cfg.Name, target, speed)

	t := time.NewTicker(m.cfg.ControlInterval)
	defer t.Stop()
	for {
		angle := m.Angle()
		if abs(target-angle) <= m.cfg.TargetTolerance {
			m.hold(m.rawTarget(target), speed)
			return nil
		}
		if err := m.drive(pid.UpdateDuration(float64(angle), m.cfg.ControlInterval)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return multierr.Append(ctx.Err(), m.coast())
		case <-t.C:
		}
	}
}

// RunUntilStalled runs at speed until the shaft stops making progress, then
// holds position and returns the angle at which it stalled.
func (m *DC) RunUntilStalled(ctx context.Context, speed float64) (int, error) {
	m.stopHold()
	if err := m.drive(speed); err != nil {
		return 0, err
	}

	ref := m.Angle()
	since := time.Now()

	t := time.NewTicker(m.cfg.ControlInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Angle(), multierr.Append(ctx.Err(), m.coast())
		case now := <-t.C:
			angle := m.Angle()
			if abs(angle-ref) >= m.cfg.StallMinTravel {
				ref, since = angle, now
				continue
			}
			if now.Sub(since) >= m.cfg.StallWindow {
				debug.Verbose("Motor %s: stalled at %d deg", m.cfg.Name, angle)
				m.hold(m.rawAngle(), math.Abs(speed))
				return angle, nil
			}
		}
	}
}

// Close ends any hold, stops the encoder sampler and lets the motor coast.
func (m *DC) Close() error {
	m.stopHold()
	m.cancel()
	<-m.done
	return m.coast()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

var _ Motor = (*DC)(nil)
