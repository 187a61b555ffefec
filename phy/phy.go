// Package phy sequences the radio through its ready, transmit, receive,
// noise-measurement and calibration flows on top of a radio.Transport, and
// turns device interrupts into events for the owning task.
package phy

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linht/phy-manager/radio"
)

// MaxFrame is the largest frame the FIFO length register can describe
const MaxFrame = 255

// Budgets bound the poll loops of the sequences
type Budgets struct {
	State       radio.Budget // plain state changes
	Config      radio.Budget // ConfigDev cycle
	Calibration radio.Budget // calibration run
	Reset       radio.Budget
}

// DefaultBudgets suit the firmware's documented worst-case latencies
var DefaultBudgets = Budgets{
	State:       radio.Budget{Polls: 50, Timeout: 5 * time.Millisecond},
	Config:      radio.Budget{Polls: 500, Timeout: 20 * time.Millisecond},
	Calibration: radio.Budget{Timeout: 80 * time.Millisecond},
	Reset:       radio.Budget{Timeout: 20 * time.Millisecond},
}

// DefaultCalFrequency is the mid-band channel used while calibrating
const DefaultCalFrequency = 868_950_000

// Options configures a PHY
type Options struct {
	Logger  *slog.Logger
	Budgets Budgets
	// IrqPin is the device IRQ pin carrying frame interrupts
	IrqPin int
	// CalPatch is the offline calibration patch run by AutoCalibrate
	CalPatch     *radio.Patch
	CalMask      uint32
	CalFrequency uint32
	// PA is the host line switching the external power amplifier
	PA radio.Line
	// Sleep is the millisecond sleep primitive, time.Sleep by default
	Sleep func(time.Duration)
	// QueueDepth sizes the interrupt token queue
	QueueDepth int
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Budgets == (Budgets{}) {
		o.Budgets = DefaultBudgets
	}
	if o.CalMask == 0 {
		o.CalMask = 0xFF
	}
	if o.CalFrequency == 0 {
		o.CalFrequency = DefaultCalFrequency
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 16
	}
}

// TxOptions tunes a transmission
type TxOptions struct {
	// Trigger starts the transmission with the host trigger line instead of a command
	Trigger bool
}

// RxOptions tunes a reception
type RxOptions struct {
	// Early reports RxStarted on preamble and sync detection
	Early bool
}

// PHY is the sequencer for one radio. Apart from Interrupt, Pending and
// Dropped it must be driven by a single owner.
type PHY struct {
	t        *radio.Transport
	irq      *radio.IRQ
	gpio     *radio.GPIO
	triggers *radio.Triggers
	log      *slog.Logger
	opts     Options

	state     DeviceState
	stale     bool
	unsettled bool // firmware may still be busy after a failure or error event
	testMode  uint8

	profile    *Profile
	crcLen     uint8
	crcDirty   bool
	level      PowerLevel
	powerDirty bool
	table      PowerTable
	cache      CalCache

	onEvent EventFunc
	pending chan int
	dropped atomic.Uint64
}

// New opens a sequencer over an established transport session
func New(t *radio.Transport, opts Options) *PHY {
	opts.setDefaults()
	return &PHY{
		t:        t,
		irq:      radio.NewIRQ(t),
		gpio:     radio.NewGPIO(t),
		triggers: radio.NewTriggers(t),
		log:      opts.Logger,
		opts:     opts,
		state:    Opened,
		stale:    true,
		level:    PowerMedium,
		table:    DefaultPowerTable,
		pending:  make(chan int, opts.QueueDepth),
	}
}

// Init resets the firmware and registers the frame interrupt handler
func (p *PHY) Init() error {
	if !p.state.Has(Opened) {
		return fmt.Errorf("%w: radio closed", radio.ErrInvalidOperation)
	}
	if err := p.t.Reset(p.opts.Budgets.Reset); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	p.irq.Reset()
	if p.opts.CalPatch != nil {
		p.opts.CalPatch.Forget()
	}
	if err := p.irq.Register(p.opts.IrqPin, p.dispatch, nil); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	p.state = Opened | Initialized
	if p.cache.Valid() {
		p.state |= Calibrated
	}
	p.stale = true
	p.unsettled = false
	p.crcDirty, p.powerDirty = true, true
	p.log.Info("Radio initialized", "clock", p.t.Clock().String())
	return nil
}

// Close puts the radio to sleep and releases the session
func (p *PHY) Close() error {
	if p.state.Has(Initialized) {
		if err := p.Sleep(); err != nil {
			p.log.Warn("Failed to put radio to sleep on close", "error", err)
		}
	}
	p.state = 0
	return p.t.Close()
}

// Transport exposes the session for diagnostics
func (p *PHY) Transport() *radio.Transport { return p.t }

// GPIO returns the device GPIO sub-driver
func (p *PHY) GPIO() *radio.GPIO { return p.gpio }

// Triggers returns the trigger sub-driver
func (p *PHY) Triggers() *radio.Triggers { return p.triggers }

// State returns the driver state flags
func (p *PHY) State() DeviceState { return p.state }

// Stale reports whether the configuration must be re-applied
func (p *PHY) Stale() bool { return p.stale }

// Profile returns the active modulation profile
func (p *PHY) Profile() *Profile { return p.profile }

func (p *PHY) requireInit(op string) error {
	if !p.state.Has(Initialized) {
		return fmt.Errorf("%w: %s on uninitialized radio", radio.ErrInvalidOperation, op)
	}
	return nil
}

func (p *PHY) requireIdle(op string) error {
	if err := p.requireInit(op); err != nil {
		return err
	}
	if p.state.Busy() {
		return fmt.Errorf("%w: %s while %s", radio.ErrInvalidOperation, op, p.state)
	}
	return nil
}

// SetProfile selects the modulation profile applied by the next Ready
func (p *PHY) SetProfile(pr *Profile) error {
	if err := p.requireIdle("set profile"); err != nil {
		return err
	}
	if err := pr.Validate(); err != nil {
		return err
	}
	p.profile = pr
	p.crcLen = pr.CRCLength
	p.crcDirty = true
	p.stale = true
	p.state &^= Ready | Configured
	p.log.Info("Modulation profile selected", "profile", pr.Name, "frequency", pr.Frequency)
	return nil
}

// Enable selects a profile and readies the radio with it
func (p *PHY) Enable(pr *Profile) error {
	if err := p.SetProfile(pr); err != nil {
		return err
	}
	return p.Ready()
}

// Disable puts the radio to sleep
func (p *PHY) Disable() error {
	return p.Sleep()
}

// Ready brings the firmware to On with the current configuration applied. A
// radio that is already ready, idle and current is left untouched. A failure
// leaves the flags where they stand; the next call resumes from there.
func (p *PHY) Ready() error {
	if err := p.requireInit("ready"); err != nil {
		return err
	}
	if p.profile == nil {
		return fmt.Errorf("%w: no modulation profile selected", radio.ErrInvalidOperation)
	}
	if p.state.Has(Ready) && !p.stale && !p.state.Busy() && !p.unsettled {
		return nil
	}
	b := p.opts.Budgets

	if p.state.Busy() || p.unsettled {
		if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
			return fmt.Errorf("ready: %w", err)
		}
		p.state &^= Busy
		p.unsettled = false
	}
	if err := p.leaveTestMode(); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	if p.stale {
		if err := p.configure(); err != nil {
			return fmt.Errorf("ready: %w", err)
		}
	}
	if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	p.state |= Ready
	p.log.Info("Radio ready", "profile", p.profile.Name, "calibrated", p.cache.Valid())
	return nil
}

// configure applies the profile and cached calibration through a ConfigDev cycle
func (p *PHY) configure() error {
	b := p.opts.Budgets
	p.state &^= Ready | Configured
	if err := p.t.GoTo(radio.StateOff, b.State); err != nil {
		return err
	}
	if err := p.t.XferConfig(p.profile.Config, radio.Write, false); err != nil {
		return err
	}
	if err := p.writeChannel(); err != nil {
		return err
	}
	if err := writeCalCache(p.t, &p.cache); err != nil {
		return fmt.Errorf("calibration cache: %w", err)
	}
	if err := p.t.GoTo(radio.StateConfigDev, b.Config); err != nil {
		return err
	}
	if err := p.t.GoTo(radio.StateOff, b.State); err != nil {
		return err
	}
	p.stale = false
	p.crcDirty, p.powerDirty = true, true
	p.state |= Configured
	if p.cache.Valid() {
		p.state |= Calibrated
	}
	p.log.Debug("Configuration applied", "profile", p.profile.Name, "blocks", p.profile.Config.Len())
	return nil
}

// Sleep masks the frame interrupt, stops any operation in flight and puts
// the firmware to sleep. The configuration is re-applied by the next Ready.
func (p *PHY) Sleep() error {
	if err := p.requireInit("sleep"); err != nil {
		return err
	}
	b := p.opts.Budgets
	if err := p.irq.Disable(p.opts.IrqPin); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	if p.state.Busy() || p.unsettled {
		if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		p.state &^= Busy
		p.unsettled = false
	}
	if err := p.leaveTestMode(); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	p.state &^= Ready | Configured
	p.stale = true
	if err := p.t.GoTo(radio.StateSleep, b.State); err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	p.log.Info("Radio asleep")
	return nil
}

// writeChannel refreshes the synthesizer word and frequency correction
func (p *PHY) writeChannel() error {
	var frf [4]byte
	binary.LittleEndian.PutUint32(frf[:], Frf(p.profile.Frequency))
	if err := p.t.WriteBytes(radio.RegFrf, frf[:]); err != nil {
		return err
	}
	return p.t.WriteInt32(radio.RegFreqOffset, p.cache.FreqOffset)
}

// prepare runs the common preamble of every operation: lazy CRC and power
// updates, RSSI offset and channel refresh, and interrupt source selection.
func (p *PHY) prepare(op string, irqMask uint32) error {
	if err := p.requireIdle(op); err != nil {
		return err
	}
	if !p.state.Has(Ready) {
		return fmt.Errorf("%w: %s before ready", radio.ErrInvalidOperation, op)
	}
	if p.crcDirty {
		if err := p.t.WriteByteAt(radio.RegCrcLen, p.crcLen); err != nil {
			return fmt.Errorf("%s: crc length: %w", op, err)
		}
		p.crcDirty = false
	}
	if p.powerDirty {
		s := p.table[p.level]
		if err := p.t.WriteBytes(radio.RegPaCoarse, []byte{s.Coarse, s.Fine, s.Micro}); err != nil {
			return fmt.Errorf("%s: tx power: %w", op, err)
		}
		p.powerDirty = false
	}
	if err := p.t.WriteInt16(radio.RegRssiOffset, p.cache.RSSIOffset); err != nil {
		return fmt.Errorf("%s: rssi offset: %w", op, err)
	}
	if err := p.writeChannel(); err != nil {
		return fmt.Errorf("%s: channel: %w", op, err)
	}
	if err := p.irq.Configure(p.opts.IrqPin, irqMask); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// start issues the state command of an asynchronous operation
func (p *PHY) start(s radio.State, flag DeviceState) error {
	p.state |= flag
	_, err := p.t.CommandAndPoll(radio.PollRequest{Command: radio.StateCommand(s)})
	if err != nil {
		p.state &^= flag
		p.unsettled = true
		return err
	}
	return nil
}

// Transmit loads frame into the FIFO and starts sending it. Completion is
// reported by a TxComplete event.
func (p *PHY) Transmit(frame []byte, opts TxOptions) error {
	if len(frame) == 0 || len(frame) > MaxFrame {
		return fmt.Errorf("%w: frame of %d bytes", radio.ErrInvalidOperation, len(frame))
	}
	if err := p.prepare("transmit", radio.IrqTxDone|radio.IrqHwError); err != nil {
		return err
	}
	if err := p.t.WriteBytes(radio.RegFifo, frame); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if err := p.t.WriteByteAt(radio.RegTxLength, uint8(len(frame))); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	if opts.Trigger && p.triggers.Configured(radio.TriggerTx) {
		p.state |= Transmitting
		if err := p.triggers.Fire(radio.TriggerTx); err != nil {
			p.state &^= Transmitting
			p.unsettled = true
			return fmt.Errorf("transmit: %w", err)
		}
	} else if err := p.start(radio.StateTx, Transmitting); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	p.log.Debug("Transmission started", "bytes", len(frame), "level", p.level.String())
	return nil
}

// Receive starts listening. Completion is reported by a RxComplete or Error
// event; the frame is then fetched with ReadFrame.
func (p *PHY) Receive(opts RxOptions) error {
	mask := uint32(radio.IrqRxDone | radio.IrqCrcError | radio.IrqHwError)
	if opts.Early {
		mask |= radio.IrqPreamble | radio.IrqSync
	}
	if err := p.prepare("receive", mask); err != nil {
		return err
	}
	if err := p.start(radio.StateRx, Receiving); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	p.log.Debug("Reception started", "early", opts.Early)
	return nil
}

// ReadFrame copies the last received frame into buf and returns its length
func (p *PHY) ReadFrame(buf []byte) (int, error) {
	if err := p.requireInit("read frame"); err != nil {
		return 0, err
	}
	if p.state.Has(Receiving) {
		return 0, fmt.Errorf("%w: reception in progress", radio.ErrInvalidOperation)
	}
	n, err := p.t.ReadByteAt(radio.RegRxLength)
	if err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}
	if int(n) > len(buf) {
		return 0, fmt.Errorf("%w: frame of %d bytes, buffer holds %d", radio.ErrInvalidOperation, n, len(buf))
	}
	if err := p.t.ReadBytes(radio.RegFifo, buf[:n]); err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}
	return int(n), nil
}

// MeasureNoise samples the channel level in CCA and returns to On. It blocks
// for the measurement since no event reports a finished noise sample.
func (p *PHY) MeasureNoise() (int16, error) {
	if err := p.prepare("measure noise", radio.IrqHwError); err != nil {
		return 0, err
	}
	b := p.opts.Budgets
	p.state |= NoiseMeasuring
	defer func() { p.state &^= NoiseMeasuring }()

	if err := p.t.GoTo(radio.StateCCA, b.State); err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("measure noise: %w", err)
	}
	level, err := p.t.ReadInt16(radio.RegRssi)
	if err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("measure noise: %w", err)
	}
	if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
		p.unsettled = true
		return 0, fmt.Errorf("measure noise: %w", err)
	}
	return level, nil
}

// RSSI reads the instantaneous corrected signal level
func (p *PHY) RSSI() (int16, error) {
	if err := p.requireInit("rssi"); err != nil {
		return 0, err
	}
	return p.t.ReadInt16(radio.RegRssi)
}

// SetCRCLength changes the CRC length written before the next operation
func (p *PHY) SetCRCLength(n uint8) error {
	if err := checkCRCLength(n); err != nil {
		return err
	}
	if n != p.crcLen {
		p.crcLen = n
		p.crcDirty = true
	}
	return nil
}

// CRCLength returns the CRC length in use
func (p *PHY) CRCLength() uint8 { return p.crcLen }

// SetTxPowerLevel selects the table entry written before the next operation
func (p *PHY) SetTxPowerLevel(l PowerLevel) error {
	if err := checkLevel(l); err != nil {
		return err
	}
	if l != p.level {
		p.level = l
		p.powerDirty = true
	}
	return nil
}

// TxPowerLevel returns the selected power level
func (p *PHY) TxPowerLevel() PowerLevel { return p.level }

// TxPower returns the table entry of level l
func (p *PHY) TxPower(l PowerLevel) (PowerSetting, error) {
	if err := checkLevel(l); err != nil {
		return PowerSetting{}, err
	}
	return p.table[l], nil
}

// SetTxPower replaces the table entry of level l
func (p *PHY) SetTxPower(l PowerLevel, s PowerSetting) error {
	if err := checkLevel(l); err != nil {
		return err
	}
	if p.table[l] != s {
		p.table[l] = s
		if l == p.level {
			p.powerDirty = true
		}
	}
	return nil
}

// PowerTable returns a copy of the TX-power table
func (p *PHY) PowerTable() PowerTable { return p.table }

// SetPowerTable replaces the whole TX-power table, e.g. from the store
func (p *PHY) SetPowerTable(t PowerTable) {
	p.table = t
	p.powerDirty = true
}

// Calibration returns a copy of the calibration cache
func (p *PHY) Calibration() CalCache { return p.cache }

// SetCalibration installs a persisted calibration cache; the next Ready
// loads it.
func (p *PHY) SetCalibration(c CalCache) {
	p.cache = c
	if c.Valid() {
		p.state |= Calibrated
	} else {
		p.state &^= Calibrated
	}
	p.stale = true
	p.state &^= Ready
}

// EnablePA switches the external power amplifier
func (p *PHY) EnablePA(on bool) error {
	if p.opts.PA == nil {
		return fmt.Errorf("%w: no PA line configured", radio.ErrInvalidOperation)
	}
	v := 0
	if on {
		v = 1
	}
	if err := p.opts.PA.SetValue(v); err != nil {
		return fmt.Errorf("failed to switch PA: %w", err)
	}
	p.log.Info("PA switched", "on", on)
	return nil
}

// TestMode enters a firmware test mode (e.g. continuous carrier) from Ready.
// Mode 0 leaves it.
func (p *PHY) TestMode(mode uint8) error {
	b := p.opts.Budgets
	if mode == 0 {
		if p.testMode == 0 {
			return nil
		}
		if err := p.leaveTestMode(); err != nil {
			return fmt.Errorf("test mode: %w", err)
		}
		if err := p.t.GoTo(radio.StateOn, b.State); err != nil {
			p.unsettled = true
			return fmt.Errorf("test mode: %w", err)
		}
		p.state &^= Transmitting
		return nil
	}
	if err := p.prepare("test mode", radio.IrqHwError); err != nil {
		return err
	}
	if err := p.t.WriteByteAt(radio.RegTestMode, mode); err != nil {
		return fmt.Errorf("test mode: %w", err)
	}
	p.testMode = mode
	p.state |= Transmitting
	if err := p.t.GoTo(radio.StateTx, b.State); err != nil {
		p.unsettled = true
		return fmt.Errorf("test mode: %w", err)
	}
	p.log.Info("Test mode entered", "mode", mode)
	return nil
}

// leaveTestMode clears a test mode still armed on the device
func (p *PHY) leaveTestMode() error {
	if p.testMode == 0 {
		return nil
	}
	if err := p.t.WriteByteAt(radio.RegTestMode, 0); err != nil {
		return err
	}
	p.testMode = 0
	return nil
}

// OnEvent registers the event callback
func (p *PHY) OnEvent(fn EventFunc) { p.onEvent = fn }

// Interrupt is the IRQ line entry point. It never blocks: the pin is queued
// for Service and dropped, counted, when the queue is full.
func (p *PHY) Interrupt(pin int) {
	select {
	case p.pending <- pin:
	default:
		p.dropped.Add(1)
	}
}

// Pending delivers queued interrupt pins to the owning task
func (p *PHY) Pending() <-chan int { return p.pending }

// Dropped counts interrupts lost to a full queue
func (p *PHY) Dropped() uint64 { return p.dropped.Load() }

// Service reads and clears the interrupt status of pin and dispatches the
// resulting events.
func (p *PHY) Service(pin int) error {
	if !p.state.Has(Initialized) {
		return nil
	}
	if _, err := p.irq.Handle(pin); err != nil {
		p.unsettled = true
		p.emit(Event{Kind: EventError, Time: time.Now()})
		return fmt.Errorf("irq service: %w", err)
	}
	return nil
}

// Run services queued interrupts under mu until ctx is done
func (p *PHY) Run(ctx context.Context, mu sync.Locker) {
	for {
		select {
		case <-ctx.Done():
			return
		case pin := <-p.pending:
			mu.Lock()
			err := p.Service(pin)
			mu.Unlock()
			if err != nil {
				p.log.Warn("Interrupt service failed", "pin", pin, "error", err)
			}
		}
	}
}

// dispatch is the IRQ sub-driver callback
func (p *PHY) dispatch(_ any, status uint32) {
	for _, k := range eventsFor(status, p.state.Has(Receiving)) {
		switch k {
		case EventRxComplete:
			p.state &^= Receiving
		case EventTxComplete:
			if p.testMode == 0 {
				p.state &^= Transmitting
			}
		case EventError:
			p.state &^= Busy
			p.unsettled = true
		}
		p.emit(Event{Kind: k, Status: status, Time: time.Now()})
	}
}

func (p *PHY) emit(e Event) {
	p.log.Debug("Radio event", "kind", e.Kind.String(), "status", fmt.Sprintf("0x%02X", e.Status))
	if p.onEvent != nil {
		p.onEvent(e)
	}
}
