package hal

import (
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/conn/v3/gpio"
)

// Reset pulse timing
const (
	ResetPulse  = 100 * time.Microsecond
	ResetSettle = 5 * time.Millisecond
)

// GPIOConfig names the host lines wired to the radio. A negative offset
// leaves the function unconnected.
type GPIOConfig struct {
	Chip        string `yaml:"gpio_chip"`
	ResetPin    int    `yaml:"reset_pin"`
	PAPin       int    `yaml:"pa_pin"`
	TriggerPins []int  `yaml:"trigger_pins"`
	IrqPins     []int  `yaml:"irq_pins"`

	// reset is asserted low unless set
	ResetActiveHigh bool `yaml:"reset_active_high"`
}

// Line is a requested host output line. It implements radio.Line.
type Line struct {
	l    *gpiocdev.Line
	name string
}

// SetValue drives the line to 0 or 1
func (l *Line) SetValue(v int) error {
	if err := l.l.SetValue(v); err != nil {
		return fmt.Errorf("failed to set %s line to %d: %w", l.name, v, err)
	}
	return nil
}

// Set drives the line to level
func (l *Line) Set(level gpio.Level) error {
	return l.SetValue(levelValue(level))
}

// Get reads back the line
func (l *Line) Get() (gpio.Level, error) {
	v, err := l.l.Value()
	if err != nil {
		return gpio.Low, fmt.Errorf("failed to read %s line: %w", l.name, err)
	}
	return v != 0, nil
}

func levelValue(level gpio.Level) int {
	if level == gpio.High {
		return 1
	}
	return 0
}

// EdgeHandler receives the device IRQ pin whose host line saw a rising edge.
// It runs on the gpiocdev event goroutine and must not block.
type EdgeHandler func(pin int)

// GPIOController owns the host lines wired to one radio
type GPIOController struct {
	chip     *gpiocdev.Chip
	cfg      GPIOConfig
	reset    *Line
	pa       *Line
	triggers []*Line
	irqs     []*gpiocdev.Line
}

// NewGPIOController opens the chip and requests every configured output line.
// IRQ lines are requested later by WatchIRQ.
func NewGPIOController(cfg GPIOConfig) (*GPIOController, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", cfg.Chip, err)
	}
	g := &GPIOController{chip: chip, cfg: cfg}

	if cfg.ResetPin >= 0 {
		idle := 1
		if cfg.ResetActiveHigh {
			idle = 0
		}
		if g.reset, err = g.output(cfg.ResetPin, idle, "radio-reset"); err != nil {
			g.Close()
			return nil, err
		}
	}
	if cfg.PAPin >= 0 {
		if g.pa, err = g.output(cfg.PAPin, 0, "radio-pa"); err != nil {
			g.Close()
			return nil, err
		}
	}
	for i, pin := range cfg.TriggerPins {
		var l *Line
		if pin >= 0 {
			if l, err = g.output(pin, 0, fmt.Sprintf("radio-trigger%d", i)); err != nil {
				g.Close()
				return nil, err
			}
		}
		g.triggers = append(g.triggers, l)
	}
	return g, nil
}

func (g *GPIOController) output(offset, initial int, consumer string) (*Line, error) {
	l, err := g.chip.RequestLine(offset,
		gpiocdev.AsOutput(initial),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s pin %d: %w", consumer, offset, err)
	}
	return &Line{l: l, name: consumer}, nil
}

// WatchIRQ requests the configured IRQ lines as rising-edge inputs and calls
// fn with the device IRQ pin on every edge
func (g *GPIOController) WatchIRQ(fn EdgeHandler) error {
	if len(g.irqs) != 0 {
		return fmt.Errorf("irq lines already watched")
	}
	for pin, offset := range g.cfg.IrqPins {
		if offset < 0 {
			continue
		}
		pin := pin
		l, err := g.chip.RequestLine(offset,
			gpiocdev.AsInput,
			gpiocdev.WithRisingEdge,
			gpiocdev.WithConsumer(fmt.Sprintf("radio-irq%d", pin)),
			gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { fn(pin) }),
		)
		if err != nil {
			return fmt.Errorf("failed to request irq%d pin %d: %w", pin, offset, err)
		}
		g.irqs = append(g.irqs, l)
	}
	return nil
}

// Reset pulses the reset line and waits for the chip to come up
func (g *GPIOController) Reset() error {
	if g.reset == nil {
		return fmt.Errorf("reset line not configured")
	}
	active := gpio.Low
	if g.cfg.ResetActiveHigh {
		active = gpio.High
	}
	if err := g.reset.Set(active); err != nil {
		return err
	}
	time.Sleep(ResetPulse)
	if err := g.reset.Set(!active); err != nil {
		return err
	}
	time.Sleep(ResetSettle)
	return nil
}

// PA returns the power amplifier switch, nil when unconnected
func (g *GPIOController) PA() *Line { return g.pa }

// Trigger returns the host line wired to device trigger input i, nil when unconnected
func (g *GPIOController) Trigger(i int) *Line {
	if i < 0 || i >= len(g.triggers) {
		return nil
	}
	return g.triggers[i]
}

// Info returns information about the chip and line assignment
func (g *GPIOController) Info() map[string]interface{} {
	info := map[string]interface{}{
		"path":         g.cfg.Chip,
		"reset_pin":    g.cfg.ResetPin,
		"pa_pin":       g.cfg.PAPin,
		"trigger_pins": g.cfg.TriggerPins,
		"irq_pins":     g.cfg.IrqPins,
	}
	if g.chip != nil {
		info["name"] = g.chip.Name
		info["label"] = g.chip.Label
	}
	return info
}

// Close releases all lines and the chip
func (g *GPIOController) Close() error {
	var errs []error
	for _, l := range g.irqs {
		errs = append(errs, l.Close())
	}
	g.irqs = nil
	for _, l := range g.triggers {
		if l != nil {
			errs = append(errs, l.l.Close())
		}
	}
	g.triggers = nil
	if g.pa != nil {
		errs = append(errs, g.pa.l.Close())
		g.pa = nil
	}
	if g.reset != nil {
		errs = append(errs, g.reset.l.Close())
		g.reset = nil
	}
	if g.chip != nil {
		errs = append(errs, g.chip.Close())
		g.chip = nil
	}
	return errors.Join(errs...)
}
