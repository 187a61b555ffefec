package radio

import "fmt"

// NumIrqPins is the number of device interrupt output pins
const NumIrqPins = 2

// IrqHandler runs after the status of a line was read and cleared. It must
// not block and must not call back into the transport.
type IrqHandler func(param any, status uint32)

// PinInfo is the per-line interrupt bookkeeping
type PinInfo struct {
	Mask     uint32 // enabled events routed to this pin
	Status   uint32 // events seen by the last Handle
	Count    uint64
	Callback IrqHandler
	Param    any
}

// IRQ maps device interrupt events onto its IRQ pins and dispatches them
type IRQ struct {
	t    *Transport
	pins [NumIrqPins]PinInfo
}

// NewIRQ creates the interrupt sub-driver for a session
func NewIRQ(t *Transport) *IRQ {
	return &IRQ{t: t}
}

func checkIrqPin(pin int) error {
	if pin < 0 || pin >= NumIrqPins {
		return fmt.Errorf("%w: irq pin %d", ErrInvalidOperation, pin)
	}
	return nil
}

// Register installs the callback for pin
func (q *IRQ) Register(pin int, cb IrqHandler, param any) error {
	if err := checkIrqPin(pin); err != nil {
		return err
	}
	q.pins[pin].Callback = cb
	q.pins[pin].Param = param
	return nil
}

// Configure routes events in mask to pin and enables them. Stale pending
// events of the newly enabled set are cleared first.
func (q *IRQ) Configure(pin int, mask uint32) error {
	if err := checkIrqPin(pin); err != nil {
		return err
	}
	mask &= 0xFF
	if q.pins[pin].Mask == mask {
		return nil
	}
	if added := mask &^ q.pins[pin].Mask; added != 0 {
		if err := q.t.WriteWord(RegIrqStatus, added); err != nil {
			return err
		}
	}
	if err := q.t.WriteByteAt(RegIrqRoute+uint32(pin), uint8(mask)); err != nil {
		return fmt.Errorf("failed to route irq pin %d: %w", pin, err)
	}
	q.pins[pin].Mask = mask

	var enabled uint32
	for i := range q.pins {
		enabled |= q.pins[i].Mask
	}
	if err := q.t.WriteWord(RegIrqMask, enabled); err != nil {
		return fmt.Errorf("failed to write irq mask: %w", err)
	}
	return nil
}

// Disable masks every event routed to pin
func (q *IRQ) Disable(pin int) error {
	return q.Configure(pin, 0)
}

// Handle reads the pending events of pin, clears them, records the status
// and invokes the registered callback.
func (q *IRQ) Handle(pin int) (uint32, error) {
	if err := checkIrqPin(pin); err != nil {
		return 0, err
	}
	info := &q.pins[pin]
	raw, err := q.t.ReadWord(RegIrqStatus)
	if err != nil {
		return 0, err
	}
	status := raw & info.Mask
	if status != 0 {
		if err := q.t.WriteWord(RegIrqStatus, status); err != nil {
			return 0, err
		}
	}
	info.Status = status
	info.Count++
	if status != 0 && info.Callback != nil {
		info.Callback(info.Param, status)
	}
	return status, nil
}

// Info returns a copy of the bookkeeping of pin
func (q *IRQ) Info(pin int) PinInfo {
	if checkIrqPin(pin) != nil {
		return PinInfo{}
	}
	return q.pins[pin]
}

// Reset forgets routing after a device reset; callbacks stay registered
func (q *IRQ) Reset() {
	for i := range q.pins {
		q.pins[i].Mask = 0
		q.pins[i].Status = 0
	}
}
