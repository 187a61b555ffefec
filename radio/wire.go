package radio

import "fmt"

// Memory-access command byte fields (bit 7 clear)
const (
	accRead    = 1 << 6 // read, otherwise write
	accBlock   = 1 << 5 // auto-incrementing burst, otherwise single unit
	accPointer = 1 << 4 // pointer-relative, otherwise absolute
	accLong    = 1 << 3 // 32-bit word units, otherwise bytes
	accPtrMask = 0x07
)

// Firmware command namespaces (bit 7 set)
const (
	cmdStateBase   = 0x80
	cmdSpecialBase = 0xC0
)

// Command is a one-byte firmware opcode
type Command uint8

// Special commands
const (
	CmdReset      Command = cmdSpecialBase | 0x00
	CmdClearError Command = cmdSpecialBase | 0x01
	CmdNop        Command = 0xFF
)

// StateCommand returns the opcode requesting a transition to s
func StateCommand(s State) Command {
	return Command(cmdStateBase | uint8(s)&0x0F)
}

// IsState reports whether c belongs to the state command namespace
func (c Command) IsState() bool {
	return c&0xC0 == cmdStateBase
}

func (c Command) String() string {
	switch {
	case c == CmdReset:
		return "RESET"
	case c == CmdClearError:
		return "CLEAR_ERROR"
	case c == CmdNop:
		return "NOP"
	case c.IsState():
		return "GOTO_" + State(c&0x0F).String()
	}
	return fmt.Sprintf("CMD_0x%02X", uint8(c))
}

// Width selects byte or 32-bit word units on the wire
type Width uint8

const (
	WidthByte Width = iota
	WidthWord
)

func (w Width) String() string {
	if w == WidthWord {
		return "word"
	}
	return "byte"
}

// Direction of a transfer as seen from the host
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// accessCmd encodes a memory access command byte
func accessCmd(dir Direction, block, pointer bool, width Width, ptr uint8) byte {
	var b byte
	if dir == Read {
		b |= accRead
	}
	if block {
		b |= accBlock
	}
	if pointer {
		b |= accPointer
		b |= ptr & accPtrMask
	}
	if width == WidthWord {
		b |= accLong
	}
	return b
}

// State is the on-device firmware state
type State uint8

const (
	StateSleep State = iota
	StateOff
	StateOn
	StateRx
	StateTx
	StateConfigDev
	StateCCA
	StateCalibrating
	StateMonitoring
	StateRamLoad
	StateLowFreqCal
	StateGpioClock
)

var stateNames = [...]string{
	StateSleep:       "SLEEP",
	StateOff:         "OFF",
	StateOn:          "ON",
	StateRx:          "RX",
	StateTx:          "TX",
	StateConfigDev:   "CONFIG_DEV",
	StateCCA:         "CCA",
	StateCalibrating: "CALIBRATING",
	StateMonitoring:  "MONITORING",
	StateRamLoad:     "RAM_LOAD",
	StateLowFreqCal:  "LF_CAL",
	StateGpioClock:   "GPIO_CLOCK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE_%d", uint8(s))
}

// SubState is the transition sub-state reported in the status byte
type SubState uint8

const (
	SubIdle SubState = iota
	SubTransitioning
	SubSettled
)

func (s SubState) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubTransitioning:
		return "transitioning"
	case SubSettled:
		return "settled"
	}
	return fmt.Sprintf("sub_%d", uint8(s))
}

// Status byte layout
const (
	statusErrorBit  = 7
	statusIrqBit    = 6
	statusSubShift  = 4
	statusSubMask   = 0x03
	statusStateMask = 0x0F
)

// Status is the decoded live status register returned first in every exchange
type Status uint8

func (s Status) Error() bool { return s>>statusErrorBit&1 != 0 }

func (s Status) IrqPending() bool { return s>>statusIrqBit&1 != 0 }

func (s Status) SubState() SubState { return SubState(uint8(s) >> statusSubShift & statusSubMask) }

func (s Status) State() State { return State(uint8(s) & statusStateMask) }

// Settled reports whether the firmware is not mid-transition
func (s Status) Settled() bool { return s.SubState() != SubTransitioning }

func (s Status) String() string {
	return fmt.Sprintf("status{0x%02X state=%s sub=%s err=%t irq=%t}",
		uint8(s), s.State(), s.SubState(), s.Error(), s.IrqPending())
}

// MakeStatus assembles a status byte from its fields
func MakeStatus(state State, sub SubState, hwErr, irq bool) Status {
	b := uint8(state)&statusStateMask | (uint8(sub)&statusSubMask)<<statusSubShift
	if hwErr {
		b |= 1 << statusErrorBit
	}
	if irq {
		b |= 1 << statusIrqBit
	}
	return Status(b)
}
