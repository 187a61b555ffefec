// Package sim emulates the radio behind its SPI wire protocol: device memory,
// window pointers, the firmware state machine with configurable transition
// latency, calibration, patch self-check and interrupts. It stands in for the
// hardware in tests and when the service runs with spi_device "sim".
package sim

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sync"

	"github.com/linht/phy-manager/radio"
	"periph.io/x/conn/v3/physic"
)

// ErrInjected is returned by exchanges failed on purpose
var ErrInjected = errors.New("sim: injected SPI failure")

// Command byte fields, mirrored from the wire format
const (
	bitFirmware = 1 << 7
	bitRead     = 1 << 6
	bitBlock    = 1 << 5
	bitPointer  = 1 << 4
	bitLong     = 1 << 3
)

// Stats counts what the device has seen
type Stats struct {
	Exchanges  int
	Commands   int
	Nops       int
	Reads      int
	Writes     int
	Violations int // byte access into word-only memory, unaligned words
	ColdCals   int // ConfigDev cycles without a valid calibration cache
}

type transition struct {
	target    radio.State
	remaining int
	onEnter   func()
}

// Device is a simulated radio. It implements radio.Conn and radio.ClockSetter.
type Device struct {
	mu sync.Mutex

	mem     map[uint32]byte
	state   radio.State
	pending *transition
	errCode uint16
	irqs    uint32

	latency map[radio.State]int
	clock   physic.Frequency
	stats   Stats
	cmds    []radio.Command

	failAfter int
	failAddr  uint32
	failArmed bool

	onIRQ func(pin int)
	fired []int

	rxQueue [][]byte
	sent    [][]byte

	// Behaviour knobs, set before use
	CalPass      bool
	CalSeqID     uint16
	CalDuration  int
	TxDuration   int
	RxDelay      int
	RawRSSI      int16
	FreqError    int32
	ResetLatency int
	GpioInputs   uint32
}

// New returns a device in Off state with calibration enabled by sequence id calSeqID
func New() *Device {
	return &Device{
		mem:          make(map[uint32]byte),
		state:        radio.StateOff,
		latency:      make(map[radio.State]int),
		CalPass:      true,
		CalDuration:  3,
		TxDuration:   2,
		RxDelay:      2,
		RawRSSI:      -100,
		ResetLatency: 1,
	}
}

// SetLatency makes transitions into s report the old state as mid-transition
// for n status reads after the command.
func (d *Device) SetLatency(s radio.State, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency[s] = n
}

// SetIRQHandler registers the function raised on an IRQ pin edge
func (d *Device) SetIRQHandler(fn func(pin int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIRQ = fn
}

// FailAfter makes the n-th exchange from now fail
func (d *Device) FailAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = n
}

// FailWriteTo makes any write covering addr fail
func (d *Device) FailWriteTo(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAddr = addr
	d.failArmed = true
}

// ClearFaults removes injected failures
func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = 0
	d.failArmed = false
}

// InjectError latches a hardware error code
func (d *Device) InjectError(code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errCode = code
}

// InjectFrame queues a frame to be received on the next Rx
func (d *Device) InjectFrame(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxQueue = append(d.rxQueue, append([]byte(nil), frame...))
}

// RaiseIRQ latches interrupt events as the firmware would, e.g. a CRC error
func (d *Device) RaiseIRQ(ev uint32) {
	d.mu.Lock()
	d.event(ev)
	fired := d.takeFired()
	d.mu.Unlock()
	d.raise(fired)
}

// Sent returns the frames transmitted so far
func (d *Device) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// Stats returns a snapshot of the counters
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Commands returns the firmware commands received, NOPs excluded
func (d *Device) Commands() []radio.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]radio.Command(nil), d.cmds...)
}

// ResetStats zeroes the counters and the command log
func (d *Device) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
	d.cmds = nil
}

// State returns the firmware state, completing nothing
func (d *Device) State() radio.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Clock returns the bus clock last configured by the host
func (d *Device) Clock() physic.Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// SetClock implements radio.ClockSetter
func (d *Device) SetClock(f physic.Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = f
	return nil
}

// Peek copies n bytes of device memory
func (d *Device) Peek(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = d.mem[addr+uint32(i)]
	}
	return out
}

// Poke stores bytes into device memory without side effects
func (d *Device) Poke(addr uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.mem[addr+uint32(i)] = b
	}
}

// Word reads a little-endian word of device memory
func (d *Device) Word(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(d.Peek(addr, 4))
}

// SetWord stores a little-endian word without side effects
func (d *Device) SetWord(addr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	d.Poke(addr, b[:])
}

// Advance lets time pass until no transition is pending, firing the
// interrupts raised on the way.
func (d *Device) Advance() {
	d.mu.Lock()
	for i := 0; d.pending != nil && i < 16; i++ {
		d.pending.remaining = 0
		d.settle()
	}
	fired := d.takeFired()
	d.mu.Unlock()
	d.raise(fired)
}

// Tx implements radio.Conn
func (d *Device) Tx(w, r []byte) error {
	d.mu.Lock()
	if err := d.checkFault(w); err != nil {
		d.mu.Unlock()
		return err
	}
	d.stats.Exchanges++
	if len(r) > 0 {
		r[0] = byte(d.statusByte())
	}
	if len(w) > 0 {
		if w[0]&bitFirmware != 0 {
			d.command(radio.Command(w[0]))
			for i := 1; i < len(r); i++ {
				r[i] = 0
			}
		} else {
			d.access(w, r)
		}
	}
	fired := d.takeFired()
	d.mu.Unlock()
	d.raise(fired)
	return nil
}

func (d *Device) checkFault(w []byte) error {
	if d.failAfter > 0 {
		d.failAfter--
		if d.failAfter == 0 {
			return ErrInjected
		}
	}
	if !d.failArmed || len(w) == 0 || w[0]&(bitFirmware|bitRead) != 0 {
		return nil
	}
	addr, start, ok := d.decodeAddr(w)
	if !ok {
		return nil
	}
	n := uint32(len(w) - start)
	if d.failAddr >= addr && d.failAddr < addr+n {
		return ErrInjected
	}
	return nil
}

func (d *Device) takeFired() []int {
	f := d.fired
	d.fired = nil
	return f
}

func (d *Device) raise(pins []int) {
	if len(pins) == 0 {
		return
	}
	d.mu.Lock()
	fn := d.onIRQ
	d.mu.Unlock()
	if fn == nil {
		return
	}
	for _, p := range pins {
		fn(p)
	}
}

// statusByte returns the live status and advances any pending transition
func (d *Device) statusByte() radio.Status {
	if d.pending != nil {
		if d.pending.remaining > 0 {
			d.pending.remaining--
			return radio.MakeStatus(d.state, radio.SubTransitioning, d.errCode != 0, d.irqs != 0)
		}
		d.settle()
	}
	sub := radio.SubSettled
	if d.state == radio.StateSleep || d.state == radio.StateOff {
		sub = radio.SubIdle
	}
	return radio.MakeStatus(d.state, sub, d.errCode != 0, d.irqs != 0)
}

// settle completes the pending transition and runs its entry action
func (d *Device) settle() {
	p := d.pending
	d.pending = nil
	d.state = p.target
	if p.onEnter != nil {
		p.onEnter()
	}
}

func (d *Device) schedule(target radio.State, remaining int, onEnter func()) {
	d.pending = &transition{target: target, remaining: remaining, onEnter: onEnter}
}

func (d *Device) command(c radio.Command) {
	if c == radio.CmdNop {
		d.stats.Nops++
		return
	}
	d.stats.Commands++
	d.cmds = append(d.cmds, c)

	switch {
	case c == radio.CmdReset:
		d.reset()
	case c == radio.CmdClearError:
		d.errCode = 0
	case c.IsState():
		target := radio.State(c & 0x0F)
		d.schedule(target, d.latency[target], d.entryAction(target))
	}
}

func (d *Device) reset() {
	for addr := range d.mem {
		if addr < radio.PatchRAMBase || addr >= radio.PatchRAMEnd {
			delete(d.mem, addr)
		}
	}
	d.errCode = 0
	d.irqs = 0
	d.state = radio.StateSleep
	d.schedule(radio.StateOff, d.ResetLatency, nil)
}

func (d *Device) entryAction(s radio.State) func() {
	switch s {
	case radio.StateConfigDev:
		return d.enterConfigDev
	case radio.StateCalibrating:
		return d.enterCalibrating
	case radio.StateRamLoad:
		return d.enterRamLoad
	case radio.StateTx:
		return d.enterTx
	case radio.StateRx:
		return d.enterRx
	case radio.StateCCA:
		return func() { d.event(radio.IrqCcaDone) }
	}
	return nil
}

func (d *Device) enterConfigDev() {
	if d.word(radio.RegCalHeader) != radio.CalHeaderValid {
		d.stats.ColdCals++
	}
}

func (d *Device) enterCalibrating() {
	pass := d.CalPass &&
		uint16(d.word(radio.RegSequenceID)) == d.CalSeqID &&
		d.word(radio.RegCalMask) != 0
	d.schedule(radio.StateOn, d.CalDuration, func() {
		res := uint32(radio.ResultDone)
		if pass {
			res |= radio.ResultPass
			seed := byte(d.word(radio.RegFrf))
			for i := uint32(0); i < radio.RadioCalSize; i++ {
				d.mem[radio.RegRadioCal+i] = seed + byte(3*i+1)
			}
			for i := uint32(0); i < radio.VcoCalSize; i++ {
				d.mem[radio.RegVcoCal+i] = seed ^ byte(0x40+i)
			}
		}
		d.setWord(radio.RegCalResult, res)
	})
}

func (d *Device) enterRamLoad() {
	start := d.word(radio.RegChecksumCfg)
	length := d.word(radio.RegChecksumCfg + 4)
	golden := d.word(radio.RegChecksumCfg + 8)
	image := make([]byte, length)
	for i := range image {
		image[i] = d.mem[start+uint32(i)]
	}
	res := uint32(radio.ResultDone)
	if crc32.ChecksumIEEE(image) == golden {
		res |= radio.ResultPass
	}
	d.setWord(radio.RegSelfCheck, res)
	d.schedule(radio.StateOff, 1, nil)
}

func (d *Device) enterTx() {
	n := int(d.mem[radio.RegTxLength])
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = d.mem[radio.RegFifo+uint32(i)]
	}
	d.sent = append(d.sent, frame)
	d.schedule(radio.StateOn, d.TxDuration, func() { d.event(radio.IrqTxDone) })
}

func (d *Device) enterRx() {
	if len(d.rxQueue) == 0 {
		return
	}
	frame := d.rxQueue[0]
	d.rxQueue = d.rxQueue[1:]
	d.event(radio.IrqPreamble | radio.IrqSync)
	d.schedule(radio.StateOn, d.RxDelay, func() {
		for i, b := range frame {
			d.mem[radio.RegFifo+uint32(i)] = b
		}
		d.mem[radio.RegRxLength] = byte(len(frame))
		d.event(radio.IrqRxDone)
	})
}

// event latches interrupt events and queues edges on the pins they route to
func (d *Device) event(ev uint32) {
	d.irqs |= ev
	mask := d.word(radio.RegIrqMask)
	route := d.word(radio.RegIrqRoute)
	for pin := 0; pin < radio.NumIrqPins; pin++ {
		if ev&mask&(route>>(8*pin)) != 0 {
			d.fired = append(d.fired, pin)
		}
	}
}

func (d *Device) decodeAddr(w []byte) (addr uint32, start int, ok bool) {
	cmd := w[0]
	if cmd&bitPointer != 0 {
		if len(w) < 2 {
			return 0, 0, false
		}
		ptr := d.word(radio.RegPointerBase + 4*uint32(cmd&0x07))
		return ptr + uint32(w[1]), 2, true
	}
	if len(w) < 5 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(w[1:5]), 5, true
}

func (d *Device) access(w, r []byte) {
	addr, start, ok := d.decodeAddr(w)
	if !ok {
		d.stats.Violations++
		return
	}
	cmd := w[0]
	read := cmd&bitRead != 0
	long := cmd&bitLong != 0
	n := len(w) - start
	if read {
		d.stats.Reads++
	} else {
		d.stats.Writes++
	}

	unit := 1
	if long {
		unit = 4
	}
	if cmd&bitBlock == 0 && n != unit {
		d.stats.Violations++
	}

	if long {
		if addr&3 != 0 || n&3 != 0 {
			d.stats.Violations++
		}
		for k := 0; k+4 <= n; k += 4 {
			a := addr + uint32(k)
			if read {
				binary.BigEndian.PutUint32(r[start+k:], d.readWord(a))
			} else {
				d.writeWord(a, binary.BigEndian.Uint32(w[start+k:]))
			}
		}
		return
	}
	for k := 0; k < n; k++ {
		a := addr + uint32(k)
		if !radio.ByteAddressable(a, 1) {
			d.stats.Violations++
		}
		if read {
			r[start+k] = d.readByte(a)
		} else {
			d.mem[a] = w[start+k]
		}
	}
}

func (d *Device) word(a uint32) uint32 {
	return uint32(d.mem[a]) | uint32(d.mem[a+1])<<8 | uint32(d.mem[a+2])<<16 | uint32(d.mem[a+3])<<24
}

func (d *Device) setWord(a, v uint32) {
	d.mem[a] = byte(v)
	d.mem[a+1] = byte(v >> 8)
	d.mem[a+2] = byte(v >> 16)
	d.mem[a+3] = byte(v >> 24)
}

func (d *Device) readWord(a uint32) uint32 {
	switch a {
	case radio.RegErrorCode:
		return uint32(d.errCode)
	case radio.RegIrqStatus:
		return d.irqs
	case radio.RegGpioIn:
		dir := d.word(radio.RegGpioDir)
		return d.word(radio.RegGpioOut)&dir | d.GpioInputs&^dir
	}
	return d.word(a)
}

func (d *Device) writeWord(a, v uint32) {
	switch a {
	case radio.RegIrqStatus:
		d.irqs &^= v
		return
	case radio.RegErrorCode:
		return
	}
	d.setWord(a, v)
}

func (d *Device) readByte(a uint32) byte {
	switch {
	case a >= radio.RegRssi && a < radio.RegRssi+2:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(d.rssi()))
		return b[a-radio.RegRssi]
	case a >= radio.RegFreqError && a < radio.RegFreqError+4:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(d.FreqError))
		return b[a-radio.RegFreqError]
	}
	return d.mem[a]
}

// rssi is the corrected level the firmware reports while listening
func (d *Device) rssi() int16 {
	switch d.state {
	case radio.StateRx, radio.StateCCA:
	default:
		return 0
	}
	off := int16(uint16(d.mem[radio.RegRssiOffset]) | uint16(d.mem[radio.RegRssiOffset+1])<<8)
	return d.RawRSSI + off
}
