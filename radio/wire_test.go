package radio

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestAccessCmd(t *testing.T) {
	tests := []struct {
		dir     Direction
		block   bool
		pointer bool
		width   Width
		ptr     uint8
		want    byte
	}{
		{Write, false, false, WidthWord, 0, 0x08},
		{Read, false, false, WidthWord, 0, 0x48},
		{Read, true, true, WidthByte, 7, 0x77},
		{Write, true, true, WidthWord, 3, 0x3B},
		{Write, false, false, WidthByte, 5, 0x00}, // index ignored without pointer
	}
	for _, tt := range tests {
		got := accessCmd(tt.dir, tt.block, tt.pointer, tt.width, tt.ptr)
		assert.Equal(t, got, tt.want, "accessCmd(%s, %t, %t, %s, %d)", tt.dir, tt.block, tt.pointer, tt.width, tt.ptr)
		assert.Assert(t, got&0x80 == 0)
	}
}

func TestStateCommand(t *testing.T) {
	assert.Equal(t, StateCommand(StateOn), Command(0x82))
	assert.Assert(t, StateCommand(StateRamLoad).IsState())
	assert.Assert(t, !CmdReset.IsState())
	assert.Assert(t, !CmdNop.IsState())
	assert.Equal(t, StateCommand(StateTx).String(), "GOTO_TX")
	assert.Equal(t, Command(0xE5).String(), "CMD_0xE5")
}

func TestStatusFields(t *testing.T) {
	s := MakeStatus(StateCalibrating, SubTransitioning, true, false)
	assert.Equal(t, s.State(), StateCalibrating)
	assert.Equal(t, s.SubState(), SubTransitioning)
	assert.Assert(t, s.Error())
	assert.Assert(t, !s.IrqPending())
	assert.Assert(t, !s.Settled())

	s = MakeStatus(StateOff, SubIdle, false, true)
	assert.Equal(t, uint8(s), uint8(0x41))
	assert.Assert(t, s.Settled())
}

func TestPointerLookup(t *testing.T) {
	var p pointerTable
	_, _, ok := p.lookup(0x4000)
	assert.Assert(t, !ok, "empty table matched")

	p.set(2, 0x4000)
	p.set(GeneralPointer, 0x4100)

	idx, off, ok := p.lookup(0x40FF)
	assert.Assert(t, ok)
	assert.Equal(t, idx, uint8(2))
	assert.Equal(t, off, uint8(0xFF))

	idx, off, ok = p.lookup(0x4104)
	assert.Assert(t, ok)
	assert.Equal(t, idx, uint8(GeneralPointer))
	assert.Equal(t, off, uint8(4))

	_, _, ok = p.lookup(0x4200)
	assert.Assert(t, !ok, "offset past 255 matched")
	_, _, ok = p.lookup(0x3FFF)
	assert.Assert(t, !ok, "address below window matched")

	p.invalidate()
	_, _, ok = p.lookup(0x4000)
	assert.Assert(t, !ok, "invalidated table matched")
}

func TestSwapWords(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	swapWords(b)
	assert.DeepEqual(t, b, []byte{4, 3, 2, 1, 8, 7, 6, 5, 9})
}

func TestBudgetExhausted(t *testing.T) {
	assert.Assert(t, !Forever.exhausted(1<<20, time.Now()))
	assert.Assert(t, Polls(3).exhausted(3, time.Now()))
	assert.Assert(t, !Polls(3).exhausted(2, time.Now()))
}

func TestHardwareCategory(t *testing.T) {
	tests := []struct {
		code uint16
		want HardwareCategory
	}{
		{0x0001, CategoryCalibration},
		{0x003F, CategoryCalibration},
		{0x0040, CategoryPLL},
		{0x0085, CategoryOscillator},
		{0x00C0, CategoryFatal},
		{0xFFFF, CategoryFatal},
	}
	for _, tt := range tests {
		e := &HardwareError{Code: tt.code}
		assert.Equal(t, e.Category(), tt.want, "code 0x%04X", tt.code)
		assert.ErrorIs(t, e, ErrHardware)
	}
}

func TestConditionMatch(t *testing.T) {
	c := StatusIs(0x3F, uint8(MakeStatus(StateOn, SubSettled, false, false)), uint8(MakeStatus(StateRx, SubSettled, false, false)))
	assert.Assert(t, c.Match(MakeStatus(StateOn, SubSettled, true, true)))
	assert.Assert(t, c.Match(MakeStatus(StateRx, SubSettled, false, false)))
	assert.Assert(t, !c.Match(MakeStatus(StateOn, SubTransitioning, false, false)))
	assert.Assert(t, !c.Match(MakeStatus(StateTx, SubSettled, false, false)))
}
