package phy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/linht/phy-manager/phy"
	"github.com/linht/phy-manager/radio"
	"github.com/linht/phy-manager/sim"
)

func calPatch(t *testing.T) *radio.Patch {
	t.Helper()
	p, err := radio.DecodePatch("offline-cal", sim.CalibrationPatch())
	assert.NilError(t, err)
	return p
}

func testProfile(t *testing.T) *phy.Profile {
	t.Helper()
	blob := radio.BuildBlob([]radio.DataBlock{
		{Addr: 0x4004, Buf: []byte{0x11, 0x22, 0x33, 0x44}},
		{Addr: radio.RegCcaTime, Buf: []byte{0x20, 0x03}},
		{Addr: 0x4060, Buf: []byte{9, 8, 7, 6, 5, 4, 3, 2}},
	})
	p, err := phy.NewProfile("wmbus-t1", 868_950_000, 2, blob)
	assert.NilError(t, err)
	return p
}

type fixture struct {
	phy    *phy.PHY
	dev    *sim.Device
	events []phy.Event
}

func newFixture(t *testing.T, opts phy.Options) *fixture {
	t.Helper()
	dev := sim.New()
	tr := radio.NewTransport(dev, radio.Options{ErrorCheck: true})
	if opts.CalPatch == nil {
		opts.CalPatch = calPatch(t)
	}
	dev.CalSeqID = opts.CalPatch.EnableID
	opts.Sleep = func(time.Duration) {}

	f := &fixture{phy: phy.New(tr, opts), dev: dev}
	f.phy.OnEvent(func(e phy.Event) { f.events = append(f.events, e) })
	dev.SetIRQHandler(f.phy.Interrupt)
	assert.NilError(t, f.phy.Init())
	t.Cleanup(func() { f.phy.Close() })
	return f
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	assert.NilError(t, f.phy.SetProfile(testProfile(t)))
	assert.NilError(t, f.phy.Ready())
}

// drain services every queued interrupt
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case pin := <-f.phy.Pending():
			assert.NilError(t, f.phy.Service(pin))
		default:
			return
		}
	}
}

func (f *fixture) kinds() []phy.EventKind {
	var out []phy.EventKind
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestReadyIdempotent(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.Assert(t, f.phy.State().Has(phy.Ready|phy.Configured))
	assert.Assert(t, !f.phy.Stale())
	assert.Equal(t, f.dev.State(), radio.StateOn)

	before := f.phy.Transport().Exchanges()
	writes := f.dev.Stats().Writes
	assert.NilError(t, f.phy.Ready())
	assert.Equal(t, f.phy.Transport().Exchanges(), before)
	assert.Equal(t, f.dev.Stats().Writes, writes)
}

func TestReadyAppliesProfile(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.DeepEqual(t, f.dev.Peek(0x4004, 4), []byte{0x11, 0x22, 0x33, 0x44})
	assert.DeepEqual(t, f.dev.Peek(0x4060, 8), []byte{9, 8, 7, 6, 5, 4, 3, 2})
	assert.Equal(t, f.dev.Word(radio.RegFrf), phy.Frf(868_950_000))
	assert.Equal(t, f.dev.Stats().Violations, 0)
}

func TestReadyWithoutCacheWritesEmptyMarker(t *testing.T) {
	f := newFixture(t, phy.Options{})
	// a leftover header must not survive into the ConfigDev cycle
	f.dev.SetWord(radio.RegCalHeader, radio.CalHeaderValid)
	f.dev.ResetStats()

	f.ready(t)
	assert.Equal(t, f.dev.Word(radio.RegCalHeader), radio.CalHeaderEmpty)
	assert.Equal(t, f.dev.Stats().ColdCals, 1)
	assert.Assert(t, !f.phy.State().Has(phy.Calibrated))
}

func TestAutoCalibrateThenReadyUsesCache(t *testing.T) {
	f := newFixture(t, phy.Options{})
	assert.NilError(t, f.phy.SetProfile(testProfile(t)))

	ok, err := f.phy.AutoCalibrate()
	assert.NilError(t, err)
	assert.Assert(t, ok)
	cache := f.phy.Calibration()
	assert.Assert(t, cache.Valid())
	assert.DeepEqual(t, cache.Radio[:], f.dev.Peek(radio.RegRadioCal, radio.RadioCalSize))
	assert.DeepEqual(t, cache.VCO[:], f.dev.Peek(radio.RegVcoCal, radio.VcoCalSize))
	assert.Equal(t, f.dev.Word(radio.RegSequenceID), uint32(0x0C02))
	assert.Assert(t, f.phy.Stale())

	f.dev.ResetStats()
	assert.NilError(t, f.phy.Ready())
	assert.Equal(t, f.dev.Stats().ColdCals, 0)
	assert.Equal(t, f.dev.Word(radio.RegCalHeader), radio.CalHeaderValid)
	assert.DeepEqual(t, f.dev.Peek(radio.RegRadioCal, radio.RadioCalSize), cache.Radio[:])
	assert.Assert(t, f.phy.State().Has(phy.Ready|phy.Calibrated))
}

func TestAutoCalibrateFailureKeepsCache(t *testing.T) {
	f := newFixture(t, phy.Options{})
	ok, err := f.phy.AutoCalibrate()
	assert.NilError(t, err)
	assert.Assert(t, ok)
	good := f.phy.Calibration()

	f.dev.CalPass = false
	ok, err = f.phy.AutoCalibrate()
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	if diff := cmp.Diff(good, f.phy.Calibration()); diff != "" {
		t.Errorf("cache changed by failed calibration (-want +got):\n%s", diff)
	}
}

func TestAutoCalibrateFailureEjectsPatch(t *testing.T) {
	budgets := phy.DefaultBudgets
	budgets.Config = radio.Polls(2)
	f := newFixture(t, phy.Options{Budgets: budgets})
	f.dev.SetLatency(radio.StateConfigDev, 10)

	ok, err := f.phy.AutoCalibrate()
	assert.ErrorIs(t, err, radio.ErrRetryExhausted)
	assert.Assert(t, !ok)
	assert.Equal(t, f.dev.Word(radio.RegSequenceID), uint32(sim.CalDisableID))
	assert.Assert(t, !f.phy.Calibration().Valid())
}

func TestAutoCalibrateWithoutPatchEnabled(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.dev.CalSeqID = 0x7777

	ok, err := f.phy.AutoCalibrate()
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.Assert(t, !f.phy.Calibration().Valid())
}

func TestTransmitCompletes(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)

	frame := []byte("hello meter")
	assert.NilError(t, f.phy.Transmit(frame, phy.TxOptions{}))
	assert.Assert(t, f.phy.State().Has(phy.Transmitting))
	assert.ErrorIs(t, f.phy.Transmit(frame, phy.TxOptions{}), radio.ErrInvalidOperation)

	f.dev.Advance()
	f.drain(t)
	assert.DeepEqual(t, f.kinds(), []phy.EventKind{phy.EventTxComplete})
	assert.Assert(t, !f.phy.State().Busy())
	assert.DeepEqual(t, f.dev.Sent(), [][]byte{frame})
	assert.Equal(t, f.dev.State(), radio.StateOn)
}

func TestReceiveEvents(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)

	frame := []byte{0x44, 0x93, 0x15, 0x68, 0x01, 0x02}
	f.dev.InjectFrame(frame)
	assert.NilError(t, f.phy.Receive(phy.RxOptions{Early: true}))
	assert.Assert(t, f.phy.State().Has(phy.Receiving))

	buf := make([]byte, phy.MaxFrame)
	_, err := f.phy.ReadFrame(buf)
	assert.ErrorIs(t, err, radio.ErrInvalidOperation)

	f.dev.Advance()
	f.drain(t)
	assert.DeepEqual(t, f.kinds(), []phy.EventKind{phy.EventRxStarted, phy.EventRxComplete})
	assert.Assert(t, !f.phy.State().Has(phy.Receiving))

	n, err := f.phy.ReadFrame(buf)
	assert.NilError(t, err)
	assert.DeepEqual(t, buf[:n], frame)
}

func TestReceiveCRCErrorEvent(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.NilError(t, f.phy.Receive(phy.RxOptions{}))

	f.dev.RaiseIRQ(radio.IrqCrcError)
	f.drain(t)
	assert.DeepEqual(t, f.kinds(), []phy.EventKind{phy.EventError})
	assert.Assert(t, !f.phy.State().Busy())

	// the firmware is still listening; Ready brings it back to On
	assert.Equal(t, f.dev.State(), radio.StateRx)
	assert.NilError(t, f.phy.Ready())
	assert.Equal(t, f.dev.State(), radio.StateOn)
}

func TestLazyCRCAndPower(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.NilError(t, f.phy.SetTxPowerLevel(phy.PowerMax))

	send := func() {
		t.Helper()
		assert.NilError(t, f.phy.Transmit([]byte{1}, phy.TxOptions{}))
		f.dev.Advance()
		f.drain(t)
	}
	send()
	assert.DeepEqual(t, f.dev.Peek(radio.RegCrcLen, 1), []byte{2})
	top := phy.DefaultPowerTable[phy.PowerMax]
	assert.DeepEqual(t, f.dev.Peek(radio.RegPaCoarse, 3), []byte{top.Coarse, top.Fine, top.Micro})

	// unchanged settings are not resent, offsets and channel always are
	f.dev.Poke(radio.RegCrcLen, []byte{0x77})
	f.dev.Poke(radio.RegPaCoarse, []byte{0x77})
	f.dev.Poke(radio.RegRssiOffset, []byte{0x77, 0x77})
	f.dev.SetWord(radio.RegFrf, 0)
	send()
	assert.DeepEqual(t, f.dev.Peek(radio.RegCrcLen, 1), []byte{0x77})
	assert.DeepEqual(t, f.dev.Peek(radio.RegPaCoarse, 1), []byte{0x77})
	assert.DeepEqual(t, f.dev.Peek(radio.RegRssiOffset, 2), []byte{0, 0})
	assert.Equal(t, f.dev.Word(radio.RegFrf), phy.Frf(868_950_000))

	assert.NilError(t, f.phy.SetCRCLength(4))
	assert.NilError(t, f.phy.SetTxPower(phy.PowerMax, phy.PowerSetting{Coarse: 5, Fine: 6, Micro: 7}))
	send()
	assert.DeepEqual(t, f.dev.Peek(radio.RegCrcLen, 1), []byte{4})
	assert.DeepEqual(t, f.dev.Peek(radio.RegPaCoarse, 3), []byte{5, 6, 7})
}

func TestSleepMarksStale(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)

	assert.NilError(t, f.phy.Sleep())
	assert.Equal(t, f.dev.State(), radio.StateSleep)
	assert.Assert(t, !f.phy.State().Has(phy.Ready))
	assert.Assert(t, f.phy.Stale())
	assert.ErrorIs(t, f.phy.Transmit([]byte{1}, phy.TxOptions{}), radio.ErrInvalidOperation)

	assert.NilError(t, f.phy.Ready())
	assert.Equal(t, f.dev.State(), radio.StateOn)
	assert.Assert(t, f.phy.State().Has(phy.Ready|phy.Configured))
}

func TestSleepStopsReception(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.NilError(t, f.phy.Receive(phy.RxOptions{}))

	assert.NilError(t, f.phy.Disable())
	assert.Assert(t, !f.phy.State().Busy())
	assert.Equal(t, f.dev.Word(radio.RegIrqMask), uint32(0))
	assert.Equal(t, f.dev.State(), radio.StateSleep)
}

func TestRSSICalibrate(t *testing.T) {
	f := newFixture(t, phy.Options{})
	assert.NilError(t, f.phy.SetProfile(testProfile(t)))
	f.dev.RawRSSI = -74

	ok, err := f.phy.RSSICalibrate(-70)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, f.phy.Calibration().RSSIOffset, int16(4))
	assert.DeepEqual(t, f.dev.Peek(radio.RegRssiOffset, 2), []byte{4, 0})
	// the detection time of the profile is restored
	assert.DeepEqual(t, f.dev.Peek(radio.RegCcaTime, 2), []byte{0x20, 0x03})
	assert.Equal(t, f.dev.State(), radio.StateOn)

	level, err := f.phy.MeasureNoise()
	assert.NilError(t, err)
	assert.Equal(t, level, int16(-70))
	assert.Assert(t, !f.phy.State().Busy())
}

func TestRSSICalibrateAbortsOnFailedCalibration(t *testing.T) {
	f := newFixture(t, phy.Options{})
	assert.NilError(t, f.phy.SetProfile(testProfile(t)))
	f.dev.CalPass = false

	ok, err := f.phy.RSSICalibrate(-70)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
	assert.Equal(t, f.phy.Calibration().RSSIOffset, int16(0))
}

func TestFrequencyCalibrate(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	f.dev.FreqError = 1200

	off, err := f.phy.FrequencyCalibrate()
	assert.NilError(t, err)
	assert.Equal(t, off, int32(-1200))
	assert.DeepEqual(t, f.dev.Peek(radio.RegFreqOffset, 4), []byte{0x50, 0xFB, 0xFF, 0xFF})
	assert.Equal(t, f.phy.Calibration().FreqOffset, int32(-1200))
	assert.Equal(t, f.dev.State(), radio.StateOn)
}

func TestHardwareErrorDuringTransmit(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	f.dev.InjectError(0x0050)

	err := f.phy.Transmit([]byte{1, 2}, phy.TxOptions{})
	var herr *radio.HardwareError
	assert.Assert(t, errors.As(err, &herr))
	assert.Assert(t, !f.phy.State().Busy())

	assert.NilError(t, f.phy.Transport().ClearError())
	assert.NilError(t, f.phy.Ready())
	assert.Equal(t, f.dev.State(), radio.StateOn)
}

func TestOperationsNeedReady(t *testing.T) {
	f := newFixture(t, phy.Options{})
	assert.ErrorIs(t, f.phy.Ready(), radio.ErrInvalidOperation)
	assert.ErrorIs(t, f.phy.Transmit([]byte{1}, phy.TxOptions{}), radio.ErrInvalidOperation)
	assert.ErrorIs(t, f.phy.Receive(phy.RxOptions{}), radio.ErrInvalidOperation)
	_, err := f.phy.MeasureNoise()
	assert.ErrorIs(t, err, radio.ErrInvalidOperation)

	f.ready(t)
	assert.ErrorIs(t, f.phy.Transmit(nil, phy.TxOptions{}), radio.ErrInvalidOperation)
	assert.ErrorIs(t, f.phy.Transmit(make([]byte, phy.MaxFrame+1), phy.TxOptions{}), radio.ErrInvalidOperation)
}

func TestEnablePA(t *testing.T) {
	f := newFixture(t, phy.Options{})
	assert.ErrorIs(t, f.phy.EnablePA(true), radio.ErrInvalidOperation)

	line := &fakeLine{}
	g := newFixture(t, phy.Options{PA: line})
	assert.NilError(t, g.phy.EnablePA(true))
	assert.NilError(t, g.phy.EnablePA(false))
	assert.DeepEqual(t, line.values, []int{1, 0})
}

func TestTriggeredTransmit(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	line := &fakeLine{}
	assert.NilError(t, f.phy.Triggers().Configure(4, radio.TriggerTx, line))

	assert.NilError(t, f.phy.Transmit([]byte{1, 2, 3}, phy.TxOptions{Trigger: true}))
	assert.DeepEqual(t, line.values, []int{1, 0})
	assert.Assert(t, f.phy.State().Has(phy.Transmitting))
	cmds := f.dev.Commands()
	assert.Equal(t, cmds[len(cmds)-1], radio.StateCommand(radio.StateOn))
}

func TestTestMode(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)

	assert.NilError(t, f.phy.TestMode(3))
	assert.DeepEqual(t, f.dev.Peek(radio.RegTestMode, 1), []byte{3})
	assert.Assert(t, f.phy.State().Has(phy.Transmitting))

	assert.NilError(t, f.phy.TestMode(0))
	assert.DeepEqual(t, f.dev.Peek(radio.RegTestMode, 1), []byte{0})
	assert.Assert(t, !f.phy.State().Busy())
	assert.Equal(t, f.dev.State(), radio.StateOn)
}

func TestSleepLeavesTestMode(t *testing.T) {
	f := newFixture(t, phy.Options{})
	f.ready(t)
	assert.NilError(t, f.phy.TestMode(3))

	assert.NilError(t, f.phy.Sleep())
	assert.DeepEqual(t, f.dev.Peek(radio.RegTestMode, 1), []byte{0})
	f.drain(t)
	f.events = nil

	assert.NilError(t, f.phy.Ready())
	frame := []byte{0xA5, 0x5A}
	assert.NilError(t, f.phy.Transmit(frame, phy.TxOptions{}))
	f.dev.Advance()
	f.drain(t)
	assert.DeepEqual(t, f.kinds(), []phy.EventKind{phy.EventTxComplete})
	assert.Assert(t, !f.phy.State().Busy())
	assert.NilError(t, f.phy.Transmit(frame, phy.TxOptions{}))
}

func TestInterruptQueueDrops(t *testing.T) {
	f := newFixture(t, phy.Options{QueueDepth: 1})
	f.phy.Interrupt(0)
	f.phy.Interrupt(0)
	assert.Equal(t, f.phy.Dropped(), uint64(1))
	assert.Equal(t, len(f.phy.Pending()), 1)
}

func TestPowerTableAccess(t *testing.T) {
	f := newFixture(t, phy.Options{})
	s, err := f.phy.TxPower(phy.PowerLow)
	assert.NilError(t, err)
	assert.Equal(t, s, phy.DefaultPowerTable[phy.PowerLow])

	_, err = f.phy.TxPower(phy.NumPowerLevels)
	assert.ErrorIs(t, err, radio.ErrInvalidOperation)
	assert.ErrorIs(t, f.phy.SetTxPowerLevel(9), radio.ErrInvalidOperation)
	assert.ErrorIs(t, f.phy.SetCRCLength(3), radio.ErrInvalidConfig)

	l, err := phy.ParsePowerLevel("high")
	assert.NilError(t, err)
	assert.Equal(t, l, phy.PowerHigh)
}

func TestDeviceStateString(t *testing.T) {
	assert.Equal(t, phy.DeviceState(0).String(), "not-opened")
	assert.Equal(t, (phy.Opened | phy.Initialized | phy.Receiving).String(), "opened|initialized|receiving")
}

type fakeLine struct {
	values []int
}

func (l *fakeLine) SetValue(v int) error {
	l.values = append(l.values, v)
	return nil
}
