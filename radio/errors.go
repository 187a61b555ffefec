package radio

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the transport, command and transfer layers.
// Callers test for them with errors.Is.
var (
	ErrComm             = errors.New("radio: communication failure")
	ErrRetryExhausted   = errors.New("radio: poll budget exhausted")
	ErrHardware         = errors.New("radio: hardware error")
	ErrInvalidOperation = errors.New("radio: invalid operation")
	ErrInvalidConfig    = errors.New("radio: invalid configuration")
	ErrVerify           = errors.New("radio: verify mismatch")
)

// HardwareCategory classifies a nonzero on-device error code
type HardwareCategory int

const (
	CategoryCalibration HardwareCategory = iota
	CategoryPLL
	CategoryOscillator
	CategoryFatal
)

func (c HardwareCategory) String() string {
	switch c {
	case CategoryCalibration:
		return "calibration"
	case CategoryPLL:
		return "pll/vco"
	case CategoryOscillator:
		return "oscillator"
	default:
		return "fatal"
	}
}

// HardwareError carries the error code read back from the device after a command
type HardwareError struct {
	Code uint16
}

// Category maps the code onto its subsystem range
func (e *HardwareError) Category() HardwareCategory {
	switch {
	case e.Code < 0x0040:
		return CategoryCalibration
	case e.Code < 0x0080:
		return CategoryPLL
	case e.Code < 0x00C0:
		return CategoryOscillator
	default:
		return CategoryFatal
	}
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("radio: hardware error 0x%04X (%s)", e.Code, e.Category())
}

// Unwrap lets errors.Is(err, ErrHardware) match
func (e *HardwareError) Unwrap() error {
	return ErrHardware
}

// commError wraps a platform SPI failure
func commError(op string, addr uint32, err error) error {
	return fmt.Errorf("%w: %s at 0x%08X: %w", ErrComm, op, addr, err)
}
