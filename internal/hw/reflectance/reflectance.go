package reflectance

import (
	"fmt"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/hw/gpio"
)

// MaxReflection is the reading of a perfectly bright surface.
const MaxReflection = 100

// Config holds the configuration of an RC-decay reflectance sensor.
type Config struct {
	Name       string
	Pin        int
	ChargeTime time.Duration // how long the sensor capacitor is charged (default 10µs)
	Timeout    time.Duration // decay time that maps to reflection 0 (default 2.5ms)
}

// RC reads a QTR-RC style reflectance sensor:
//  1. drive the line HIGH to charge the sensor capacitor
//  2. switch to input and time how long the line stays HIGH
//
// Bright surfaces reflect more IR, so the phototransistor discharges the
// capacitor faster. A short decay means a high reflection value.
type RC struct {
	gpio gpio.Driver
	cfg  Config
	now  func() time.Time
}

// NewRC creates an RC reflectance sensor on the given pin.
func NewRC(g gpio.Driver, cfg Config) *RC {
	if cfg.ChargeTime <= 0 {
		cfg.ChargeTime = 10 * time.Microsecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2500 * time.Microsecond
	}
	return &RC{gpio: g, cfg: cfg, now: time.Now}
}

// Reflection returns the instantaneous reflection in [0, MaxReflection].
func (s *RC) Reflection() (int, error) {
	if err := s.gpio.SetupPin(s.cfg.Pin, gpio.Output); err != nil {
		return 0, fmt.Errorf("sensor %s: %w", s.cfg.Name, err)
	}
	if err := s.gpio.WritePin(s.cfg.Pin, gpio.High); err != nil {
		return 0, fmt.Errorf("sensor %s: %w", s.cfg.Name, err)
	}
	time.Sleep(s.cfg.ChargeTime)
	if err := s.gpio.SetupPin(s.cfg.Pin, gpio.Input); err != nil {
		return 0, fmt.Errorf("sensor %s: %w", s.cfg.Name, err)
	}

	start := s.now()
	var decay time.Duration
	for {
		level, err := s.gpio.ReadPin(s.cfg.Pin)
		if err != nil {
			return 0, fmt.Errorf("sensor %s: %w", s.cfg.Name, err)
		}
		decay = s.now().Sub(start)
		if level == gpio.Low || decay >= s.cfg.Timeout {
			break
		}
	}

	v := toReflection(decay, s.cfg.Timeout)
	debug.Trace("Sensor %s: decay=%v reflection=%d", s.cfg.Name, decay, v)
	return v, nil
}

func toReflection(decay, timeout time.Duration) int {
	if decay >= timeout {
		return 0
	}
	if decay <= 0 {
		return MaxReflection
	}
	return MaxReflection - int(int64(decay)*MaxReflection/int64(timeout))
}
