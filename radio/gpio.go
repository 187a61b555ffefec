package radio

import (
	"fmt"
	"time"
)

// NumDevicePins is the number of radio GPIO pins
const NumDevicePins = 8

// Line is a host output line, satisfied by go-gpiocdev lines
type Line interface {
	SetValue(value int) error
}

// GPIO drives the radio's own GPIO pins through its control registers
type GPIO struct {
	t *Transport
}

// NewGPIO creates the device GPIO sub-driver
func NewGPIO(t *Transport) *GPIO {
	return &GPIO{t: t}
}

func pinBit(pin uint8) (uint32, error) {
	if pin >= NumDevicePins {
		return 0, fmt.Errorf("%w: device gpio %d", ErrInvalidOperation, pin)
	}
	return 1 << pin, nil
}

// EnableOutput makes pin an output
func (g *GPIO) EnableOutput(pin uint8) error {
	bit, err := pinBit(pin)
	if err != nil {
		return err
	}
	return g.t.SetBits(RegGpioDir, bit)
}

// EnableInput makes pin an input
func (g *GPIO) EnableInput(pin uint8) error {
	bit, err := pinBit(pin)
	if err != nil {
		return err
	}
	return g.t.ClearBits(RegGpioDir, bit)
}

// Set drives pin high
func (g *GPIO) Set(pin uint8) error {
	bit, err := pinBit(pin)
	if err != nil {
		return err
	}
	return g.t.SetBits(RegGpioOut, bit)
}

// Clear drives pin low
func (g *GPIO) Clear(pin uint8) error {
	bit, err := pinBit(pin)
	if err != nil {
		return err
	}
	return g.t.ClearBits(RegGpioOut, bit)
}

// Get samples pin
func (g *GPIO) Get(pin uint8) (bool, error) {
	bit, err := pinBit(pin)
	if err != nil {
		return false, err
	}
	in, err := g.t.ReadWord(RegGpioIn)
	if err != nil {
		return false, err
	}
	return in&bit != 0, nil
}

// TriggerFunc is the firmware action a device pin edge starts
type TriggerFunc uint8

const (
	TriggerNone TriggerFunc = iota
	TriggerTx
	TriggerRx
	TriggerCCA
	TriggerSleep
)

func (f TriggerFunc) String() string {
	switch f {
	case TriggerNone:
		return "none"
	case TriggerTx:
		return "tx"
	case TriggerRx:
		return "rx"
	case TriggerCCA:
		return "cca"
	case TriggerSleep:
		return "sleep"
	}
	return fmt.Sprintf("trigger-%d", uint8(f))
}

// TriggerPulse is the width of a trigger pulse on the host line
const TriggerPulse = 10 * time.Microsecond

// Triggers maps host output lines onto device trigger inputs
type Triggers struct {
	t     *Transport
	lines map[TriggerFunc]Line
	pins  map[TriggerFunc]uint8
}

// NewTriggers creates the trigger sub-driver
func NewTriggers(t *Transport) *Triggers {
	return &Triggers{
		t:     t,
		lines: make(map[TriggerFunc]Line),
		pins:  make(map[TriggerFunc]uint8),
	}
}

// Configure selects fn as the trigger function of device pin and binds the
// host line wired to it
func (tr *Triggers) Configure(pin uint8, fn TriggerFunc, host Line) error {
	if _, err := pinBit(pin); err != nil {
		return err
	}
	f := Field{Addr: RegTriggerSel, Shift: 4 * pin, Width: 4}
	if err := tr.t.WriteField(f, uint32(fn)); err != nil {
		return fmt.Errorf("failed to select trigger %s on pin %d: %w", fn, pin, err)
	}
	if fn == TriggerNone {
		for k, p := range tr.pins {
			if p == pin {
				delete(tr.pins, k)
				delete(tr.lines, k)
			}
		}
		return nil
	}
	tr.pins[fn] = pin
	if host != nil {
		tr.lines[fn] = host
	}
	return nil
}

// Configured reports whether fn has a host line to fire
func (tr *Triggers) Configured(fn TriggerFunc) bool {
	_, ok := tr.lines[fn]
	return ok
}

// Fire pulses the host line bound to fn
func (tr *Triggers) Fire(fn TriggerFunc) error {
	line, ok := tr.lines[fn]
	if !ok {
		return fmt.Errorf("%w: trigger %s not configured", ErrInvalidOperation, fn)
	}
	if err := line.SetValue(1); err != nil {
		return fmt.Errorf("failed to raise %s trigger: %w", fn, err)
	}
	time.Sleep(TriggerPulse)
	if err := line.SetValue(0); err != nil {
		return fmt.Errorf("failed to release %s trigger: %w", fn, err)
	}
	return nil
}
