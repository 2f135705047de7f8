package buzzer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/LineGo/internal/debug"
	"github.com/cjeanneret/LineGo/internal/hw/gpio"
)

// Beeper is the feedback device used by the rest of the application.
// Beep must not block the caller.
type Beeper interface {
	Beep()
}

// GPIO is an active buzzer wired to a single GPIO pin (HIGH = sounding).
type GPIO struct {
	gpio     gpio.Driver
	pin      int
	duration time.Duration
	wg       sync.WaitGroup
}

// NewGPIO creates a buzzer on pin. The line starts LOW (silent).
func NewGPIO(g gpio.Driver, pin int, duration time.Duration) (*GPIO, error) {
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup buzzer pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("silence buzzer pin %d: %w", pin, err)
	}

	if duration <= 0 {
		duration = 100 * time.Millisecond
	}
	return &GPIO{gpio: g, pin: pin, duration: duration}, nil
}

// Beep sounds the buzzer once in the background.
func (b *GPIO) Beep() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.pulse(); err != nil {
			debug.Error(err)
		}
	}()
}

// pulse holds the line HIGH for the configured duration.
func (b *GPIO) pulse() error {
	debug.Verbose("Buzzer: beep (pin %d, %v)", b.pin, b.duration)
	if err := b.gpio.WritePin(b.pin, gpio.High); err != nil {
		return err
	}
	time.Sleep(b.duration)
	return b.gpio.WritePin(b.pin, gpio.Low)
}

// Wait blocks until every pending beep has finished.
func (b *GPIO) Wait() {
	b.wg.Wait()
}
