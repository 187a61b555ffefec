package radio_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	"periph.io/x/conn/v3/physic"

	"github.com/linht/phy-manager/radio"
	"github.com/linht/phy-manager/sim"
)

func newSession(t *testing.T, opts radio.Options) (*radio.Transport, *sim.Device) {
	t.Helper()
	dev := sim.New()
	tr := radio.NewTransport(dev, opts)
	t.Cleanup(func() { tr.Close() })
	return tr, dev
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestByteRoundTrip(t *testing.T) {
	tests := []struct {
		addr uint32
		size int
	}{
		{radio.RegFifo, 1},
		{radio.RegFifo + 1, 3},
		{radio.RegFifo + 2, 8},
		{radio.RegFifo + 3, 9},
		{radio.RegFifo, 60},
		{radio.RegFifo + 1, 61},
		{radio.RegFifo + 5, 200},
		{radio.PatchRAMBase + 0x101, 1000},
	}
	for _, tt := range tests {
		tr, dev := newSession(t, radio.Options{})
		want := pattern(tt.size, byte(tt.addr))
		assert.NilError(t, tr.WriteBytes(tt.addr, want))

		got := make([]byte, tt.size)
		assert.NilError(t, tr.ReadBytes(tt.addr, got))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("read back at 0x%X size %d (-want +got):\n%s", tt.addr, tt.size, diff)
		}
		assert.DeepEqual(t, dev.Peek(tt.addr, tt.size), want)
		assert.NilError(t, tr.VerifyBytes(tt.addr, want))
		assert.Equal(t, dev.Stats().Violations, 0)
	}
}

func TestWordRoundTrip(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	src := []uint32{0x01020304, 0xDEADBEEF, 0, 0xFFFFFFFF, 0x80000001}
	assert.NilError(t, tr.WriteWords(radio.PatchRAMBase, src))

	dst := make([]uint32, len(src))
	assert.NilError(t, tr.ReadWords(radio.PatchRAMBase, dst))
	assert.DeepEqual(t, dst, src)

	// device memory is little-endian
	assert.DeepEqual(t, dev.Peek(radio.PatchRAMBase, 4), []byte{0x04, 0x03, 0x02, 0x01})
	assert.Equal(t, dev.Stats().Violations, 0)
}

func TestUnalignedWordTransferRejected(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	err := tr.Transfer(radio.RegCalMask+2, make([]byte, 4), radio.Write, nil, radio.WidthWord)
	assert.ErrorIs(t, err, radio.ErrInvalidOperation)
	assert.Equal(t, dev.Stats().Exchanges, 0)
}

func TestChunkingRestoresGeneralPointer(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	assert.NilError(t, tr.SetWindow(radio.GeneralPointer, 0x4000))

	data := pattern(300, 9)
	assert.NilError(t, tr.WriteBytes(radio.PatchRAMBase+2, data))

	addr, ok := tr.Window(radio.GeneralPointer)
	assert.Assert(t, ok)
	assert.Equal(t, addr, uint32(0x4000))
	assert.Equal(t, dev.Word(radio.RegPointerBase+4*radio.GeneralPointer), uint32(0x4000))
	assert.DeepEqual(t, dev.Peek(radio.PatchRAMBase+2, len(data)), data)
}

func TestWindowReuse(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	assert.NilError(t, tr.SetWindow(0, radio.RegFrf))
	dev.ResetStats()

	// one exchange per access, no pointer re-arm
	assert.NilError(t, tr.WriteByteAt(radio.RegCrcLen, 2))
	_, err := tr.ReadInt16(radio.RegRssiOffset)
	assert.NilError(t, err)
	assert.Equal(t, dev.Stats().Exchanges, 2)
}

func TestPointerRegisterWriteDropsShadow(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	assert.NilError(t, tr.SetWindow(0, radio.RegFrf))

	// moving P7 and P0 by hand leaves the device windows elsewhere
	assert.NilError(t, tr.WriteWord(radio.RegPointerBase+4*radio.GeneralPointer, radio.PatchRAMBase))
	_, ok := tr.Window(radio.GeneralPointer)
	assert.Assert(t, !ok)
	assert.NilError(t, tr.WriteWord(radio.RegPointerBase, radio.PatchRAMBase+0x200))
	_, ok = tr.Window(0)
	assert.Assert(t, !ok)

	dev.SetWord(radio.RegSequenceID, 0x1234)
	v, err := tr.ReadWord(radio.RegSequenceID)
	assert.NilError(t, err)
	assert.Equal(t, v, uint32(0x1234))

	dev.Poke(radio.RegCrcLen, []byte{3})
	b, err := tr.ReadByteAt(radio.RegCrcLen)
	assert.NilError(t, err)
	assert.Equal(t, b, uint8(3))
	assert.Equal(t, dev.Stats().Violations, 0)
}

func TestPointerBlockBulkWrite(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	for i := uint8(0); i < radio.NumPointers; i++ {
		assert.NilError(t, tr.SetWindow(i, 0x4000+0x100*uint32(i)))
	}

	words := make([]uint32, radio.NumPointers)
	for i := range words {
		words[i] = radio.PatchRAMBase + 0x100*uint32(i)
	}
	assert.NilError(t, tr.WriteWords(radio.RegPointerBase, words))
	for i := uint8(0); i < radio.NumPointers; i++ {
		_, ok := tr.Window(i)
		assert.Assert(t, !ok, "pointer %d", i)
	}

	data := pattern(6, 1)
	assert.NilError(t, tr.WriteBytes(radio.RegFifo, data))
	assert.DeepEqual(t, dev.Peek(radio.RegFifo, len(data)), data)
}

func TestVerifyMismatch(t *testing.T) {
	tr, _ := newSession(t, radio.Options{})
	assert.NilError(t, tr.WriteBytes(radio.RegFifo, []byte{1, 2, 3, 4}))
	err := tr.VerifyBytes(radio.RegFifo, []byte{1, 2, 3, 5})
	assert.ErrorIs(t, err, radio.ErrVerify)
}

func TestBytePromotedInWordRegion(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	dev.SetWord(radio.RegIrqRoute, 0xAABBCCDD)

	assert.NilError(t, tr.WriteByteAt(radio.RegIrqRoute+1, 0x12))
	assert.Equal(t, dev.Word(radio.RegIrqRoute), uint32(0xAABB12DD))

	b, err := tr.ReadByteAt(radio.RegIrqRoute + 3)
	assert.NilError(t, err)
	assert.Equal(t, b, uint8(0xAA))
	assert.Equal(t, dev.Stats().Violations, 0)
}

func TestFieldAccess(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	dev.SetWord(radio.RegCalMask, 0xFFFF0000)

	f := radio.Field{Addr: radio.RegCalMask, Shift: 4, Width: 4}
	assert.NilError(t, tr.WriteField(f, 0xA))
	assert.Equal(t, dev.Word(radio.RegCalMask), uint32(0xFFFF00A0))

	v, err := tr.ReadField(f)
	assert.NilError(t, err)
	assert.Equal(t, v, uint32(0xA))

	assert.ErrorIs(t, tr.WriteField(f, 0x10), radio.ErrInvalidOperation)
}

func TestSignedRegisters(t *testing.T) {
	tr, _ := newSession(t, radio.Options{})
	assert.NilError(t, tr.WriteInt16(radio.RegRssiOffset, -7))
	v, err := tr.ReadInt16(radio.RegRssiOffset)
	assert.NilError(t, err)
	assert.Equal(t, v, int16(-7))

	assert.NilError(t, tr.WriteInt32(radio.RegFreqOffset, -12345))
	w, err := tr.ReadInt32(radio.RegFreqOffset)
	assert.NilError(t, err)
	assert.Equal(t, w, int32(-12345))
}

func TestCommFailure(t *testing.T) {
	tr, dev := newSession(t, radio.Options{})
	dev.FailAfter(1)
	_, err := tr.ReadWord(radio.RegCalMask)
	assert.ErrorIs(t, err, radio.ErrComm)
	assert.ErrorIs(t, err, sim.ErrInjected)
}

func TestClosedTransport(t *testing.T) {
	tr, _ := newSession(t, radio.Options{})
	assert.NilError(t, tr.Close())
	_, err := tr.Nop()
	assert.ErrorIs(t, err, radio.ErrInvalidOperation)
}

func TestResetClocks(t *testing.T) {
	tr, dev := newSession(t, radio.Options{
		InitialClock: physic.MegaHertz,
		TargetClock:  8 * physic.MegaHertz,
	})
	assert.NilError(t, tr.SetWindow(1, radio.RegFrf))

	assert.NilError(t, tr.Reset(radio.Polls(5)))
	assert.Equal(t, dev.State(), radio.StateOff)
	assert.Equal(t, tr.Clock(), 8*physic.MegaHertz)
	assert.Equal(t, dev.Clock(), 8*physic.MegaHertz)
	_, ok := tr.Window(1)
	assert.Assert(t, !ok, "pointer shadow survived reset")
}

func TestResetErrorNotChecked(t *testing.T) {
	tr, dev := newSession(t, radio.Options{ErrorCheck: true})
	dev.InjectError(0x0081)
	assert.NilError(t, tr.Reset(radio.Polls(5)))
	assert.Equal(t, tr.LastErrorCode(), uint16(0))
}

func TestHardwareErrorKinds(t *testing.T) {
	var e *radio.HardwareError
	err := error(&radio.HardwareError{Code: 0x45})
	assert.Assert(t, errors.As(err, &e))
	assert.Equal(t, e.Category(), radio.CategoryPLL)
}
