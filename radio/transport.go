package radio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/physic"
)

// Transaction sizing
const (
	// MaxXfer is the largest single SPI exchange the device accepts
	MaxXfer = 64
	// FastPathMax is the largest payload moved on the direct fast path
	FastPathMax = 8

	ptrHeader    = 2 // command + pointer offset
	absHeader    = 5 // command + 4 address bytes
	chunkPayload = (MaxXfer - ptrHeader) &^ 3
	rmwScratch   = 256
)

// Conn is the blocking full-duplex SPI exchange supplied by the platform.
// periph.io spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// ClockSetter is implemented by platform connections able to change the bus clock
type ClockSetter interface {
	SetClock(f physic.Frequency) error
}

// Options configures a Transport Session
type Options struct {
	Logger *slog.Logger
	// ErrorCheck reads the device error code after every non-reset command
	ErrorCheck bool
	// InitialClock is used until the firmware is up, TargetClock afterwards
	InitialClock physic.Frequency
	TargetClock  physic.Frequency
	// OnHardwareError is invoked with every nonzero error code read back
	OnHardwareError func(code uint16)
}

// Transport is the per-radio session owning the SPI handle, scratch buffers
// and the mirrors of pointer registers and status. It is not safe for
// concurrent use; one logical owner drives it.
type Transport struct {
	conn Conn
	log  *slog.Logger

	tx  [MaxXfer]byte
	rx  [MaxXfer]byte
	rmw [rmwScratch + 8]byte

	clock        physic.Frequency
	initialClock physic.Frequency
	targetClock  physic.Frequency

	ptrs      pointerTable
	status    Status
	errCode   uint16
	errCheck  bool
	onHwError func(code uint16)

	exchanges uint64
}

// NewTransport creates a session over conn
func NewTransport(conn Conn, opts Options) *Transport {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		conn:         conn,
		log:          log,
		clock:        opts.InitialClock,
		initialClock: opts.InitialClock,
		targetClock:  opts.TargetClock,
		errCheck:     opts.ErrorCheck,
		onHwError:    opts.OnHardwareError,
	}
}

// Close releases the session. The platform connection is owned by the caller.
func (t *Transport) Close() error {
	t.conn = nil
	t.ptrs.invalidate()
	return nil
}

// LastStatus returns the status byte captured by the most recent exchange
func (t *Transport) LastStatus() Status { return t.status }

// LastState returns the firmware state mirrored from the last status byte.
// It can lag the device until the next exchange.
func (t *Transport) LastState() State { return t.status.State() }

// LastErrorCode returns the last nonzero hardware error code read back
func (t *Transport) LastErrorCode() uint16 { return t.errCode }

// Exchanges returns the number of SPI exchanges performed so far
func (t *Transport) Exchanges() uint64 { return t.exchanges }

// SetErrorCheck toggles the post-command error code read
func (t *Transport) SetErrorCheck(on bool) { t.errCheck = on }

// SetHardwareErrorHandler registers the callback for nonzero error codes
func (t *Transport) SetHardwareErrorHandler(fn func(code uint16)) { t.onHwError = fn }

// Clock returns the current bus clock
func (t *Transport) Clock() physic.Frequency { return t.clock }

// SetClock switches the bus clock when the connection supports it
func (t *Transport) SetClock(f physic.Frequency) error {
	if f == 0 || f == t.clock {
		return nil
	}
	cs, ok := t.conn.(ClockSetter)
	if !ok {
		t.clock = f
		return nil
	}
	if err := cs.SetClock(f); err != nil {
		return fmt.Errorf("%w: set bus clock %s: %w", ErrComm, f, err)
	}
	t.log.Debug("SPI clock changed", "from", t.clock, "to", f)
	t.clock = f
	return nil
}

// ApplyTargetClock raises the bus clock once the firmware runs
func (t *Transport) ApplyTargetClock() error {
	return t.SetClock(t.targetClock)
}

// InvalidatePointers forgets the pointer shadows, e.g. after a reset
func (t *Transport) InvalidatePointers() {
	t.ptrs.invalidate()
}

// exchange clocks n bytes of the TX scratch out and captures the reply
func (t *Transport) exchange(n int, addr uint32) error {
	if t.conn == nil {
		return fmt.Errorf("%w: transport closed", ErrInvalidOperation)
	}
	if err := t.conn.Tx(t.tx[:n], t.rx[:n]); err != nil {
		t.log.Warn("SPI exchange failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
		return commError("exchange", addr, err)
	}
	t.exchanges++
	t.status = Status(t.rx[0])
	return nil
}

// armPointer writes addr into window pointer idx with an absolute word write
func (t *Transport) armPointer(idx uint8, addr uint32) error {
	reg := uint32(RegPointerBase) + 4*uint32(idx)
	t.tx[0] = accessCmd(Write, false, false, WidthWord, 0)
	binary.BigEndian.PutUint32(t.tx[1:5], reg)
	binary.BigEndian.PutUint32(t.tx[5:9], addr)
	if err := t.exchange(absHeader+4, reg); err != nil {
		return err
	}
	t.ptrs.set(idx, addr)
	return nil
}

// SetWindow arms a window pointer explicitly, e.g. over a hot register block
func (t *Transport) SetWindow(idx uint8, addr uint32) error {
	if idx >= NumPointers {
		return fmt.Errorf("%w: pointer index %d", ErrInvalidOperation, idx)
	}
	return t.armPointer(idx, addr&^3)
}

// Window returns the shadow of pointer idx
func (t *Transport) Window(idx uint8) (uint32, bool) {
	if idx >= NumPointers {
		return 0, false
	}
	return t.ptrs.get(idx)
}

// Transfer moves len(buf) bytes at addr. For reads a non-nil ref turns the
// read into an inline verify; buf may then be nil. Byte access outside the
// byte-addressable ranges is promoted to word read-modify-write.
func (t *Transport) Transfer(addr uint32, buf []byte, dir Direction, ref []byte, width Width) error {
	n := len(buf)
	if buf == nil {
		n = len(ref)
	}
	if n == 0 {
		return nil
	}
	if ref != nil && (dir != Read || (buf != nil && len(ref) != len(buf))) {
		return fmt.Errorf("%w: reference buffer only valid for reads of equal size", ErrInvalidOperation)
	}
	if width == WidthWord && (addr&3 != 0 || n&3 != 0) {
		return fmt.Errorf("%w: unaligned word transfer at 0x%08X size %d", ErrInvalidOperation, addr, n)
	}
	if width == WidthByte && !ByteAddressable(addr, uint32(n)) {
		return t.promote(addr, buf, dir, ref, n)
	}
	var err error
	if n <= FastPathMax {
		err = t.fast(addr, buf, dir, ref, n, width)
	} else {
		err = t.chunked(addr, buf, dir, ref, n, width)
	}
	if dir == Write {
		// a plain write over P0..P7 moves windows behind the shadows
		t.ptrs.forget(addr, uint32(n))
	}
	return err
}

// fast moves a small payload straight through the pre-allocated scratch,
// reusing any window already covering addr.
func (t *Transport) fast(addr uint32, buf []byte, dir Direction, ref []byte, n int, width Width) error {
	idx, off, ok := t.ptrs.lookup(addr)
	if !ok {
		if err := t.armPointer(GeneralPointer, addr&^3); err != nil {
			return err
		}
		idx, off = GeneralPointer, uint8(addr&3)
	}
	return t.pointerXfer(idx, off, addr, buf, dir, ref, n, width)
}

// chunked splits a large payload at the maximum exchange size, re-arming the
// general pointer for every chunk and restoring it afterwards.
func (t *Transport) chunked(addr uint32, buf []byte, dir Direction, ref []byte, n int, width Width) error {
	prior, priorValid := t.ptrs.get(GeneralPointer)

	for done := 0; done < n; {
		cur := addr + uint32(done)
		size := n - done
		if size > chunkPayload {
			size = chunkPayload
		}
		if err := t.armPointer(GeneralPointer, cur&^3); err != nil {
			return err
		}
		var b, r []byte
		if buf != nil {
			b = buf[done : done+size]
		}
		if ref != nil {
			r = ref[done : done+size]
		}
		if err := t.pointerXfer(GeneralPointer, uint8(cur&3), cur, b, dir, r, size, width); err != nil {
			return err
		}
		done += size
	}

	if cur, _ := t.ptrs.get(GeneralPointer); priorValid && cur != prior {
		return t.armPointer(GeneralPointer, prior)
	}
	return nil
}

// pointerXfer performs one pointer-relative exchange of n payload bytes
func (t *Transport) pointerXfer(idx, off uint8, addr uint32, buf []byte, dir Direction, ref []byte, n int, width Width) error {
	unit := 1
	if width == WidthWord {
		unit = 4
	}
	t.tx[0] = accessCmd(dir, n > unit, true, width, idx)
	t.tx[1] = off
	payload := t.tx[ptrHeader : ptrHeader+n]
	if dir == Write {
		copy(payload, buf)
		if width == WidthWord {
			swapWords(payload)
		}
	} else {
		for i := range payload {
			payload[i] = 0xFF
		}
	}

	if err := t.exchange(ptrHeader+n, addr); err != nil {
		return err
	}
	if dir == Write {
		return nil
	}

	in := t.rx[ptrHeader : ptrHeader+n]
	if width == WidthWord {
		swapWords(in)
	}
	if buf != nil {
		copy(buf, in)
	}
	if ref != nil && !bytes.Equal(in, ref) {
		return fmt.Errorf("%w: %d bytes at 0x%08X", ErrVerify, n, addr)
	}
	return nil
}

// promote widens a byte access inside a word-only region to whole words,
// preserving the bytes outside [addr, addr+n).
func (t *Transport) promote(addr uint32, buf []byte, dir Direction, ref []byte, n int) error {
	start := addr &^ 3
	end := (addr + uint32(n) + 3) &^ 3
	span := int(end - start)

	var words []byte
	if span <= rmwScratch {
		words = t.rmw[:span]
	} else {
		words = make([]byte, span)
	}
	lo := int(addr - start)

	if err := t.Transfer(start, words, Read, nil, WidthWord); err != nil {
		return err
	}
	if dir == Read {
		in := words[lo : lo+n]
		if buf != nil {
			copy(buf, in)
		}
		if ref != nil && !bytes.Equal(in, ref) {
			return fmt.Errorf("%w: %d bytes at 0x%08X", ErrVerify, n, addr)
		}
		return nil
	}
	copy(words[lo:lo+n], buf)
	return t.Transfer(start, words, Write, nil, WidthWord)
}

// swapWords reverses the byte order of every whole 32-bit word in b
func swapWords(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}
