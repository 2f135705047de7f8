package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// pwmCycleLen is the number of PWM clock ticks per output period.
// The PWM clock must stay below 9.6 MHz, so 256 ticks allows ~37 kHz outputs.
const pwmCycleLen = 256

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// Encoder pollers and control loops read pins from different goroutines,
// so the pin table is guarded.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	freq map[int]int
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem, or as root for PWM.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		freq: make(map[int]int),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) setup(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	case PWM:
		p.Pwm()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setup(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setup(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) SetPWM(pin int, freqHz int, duty float64) error {
	debug.GPIO("SetPWM", pin, duty)

	if freqHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	if duty < 0 {
		duty = 0
	}
	if duty > 1 {
		duty = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, PWM); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if r.freq[pin] != freqHz {
		p.Freq(freqHz * pwmCycleLen)
		r.freq[pin] = freqHz
	}
	p.DutyCycle(uint32(duty*pwmCycleLen), pwmCycleLen)
	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
