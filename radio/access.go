package radio

import (
	"encoding/binary"
	"fmt"
)

// ReadBytes reads len(buf) bytes starting at addr
func (t *Transport) ReadBytes(addr uint32, buf []byte) error {
	if err := t.Transfer(addr, buf, Read, nil, WidthByte); err != nil {
		return fmt.Errorf("failed to read %d bytes at 0x%08X: %w", len(buf), addr, err)
	}
	return nil
}

// WriteBytes writes data starting at addr
func (t *Transport) WriteBytes(addr uint32, data []byte) error {
	if err := t.Transfer(addr, data, Write, nil, WidthByte); err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%08X: %w", len(data), addr, err)
	}
	return nil
}

// VerifyBytes compares device memory at addr with want without keeping a copy
func (t *Transport) VerifyBytes(addr uint32, want []byte) error {
	return t.Transfer(addr, nil, Read, want, WidthByte)
}

// ReadByteAt reads one byte
func (t *Transport) ReadByteAt(addr uint32) (uint8, error) {
	var b [1]byte
	if err := t.ReadBytes(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByteAt writes one byte
func (t *Transport) WriteByteAt(addr uint32, value uint8) error {
	b := [1]byte{value}
	return t.WriteBytes(addr, b[:])
}

// ReadWord reads an aligned 32-bit word
func (t *Transport) ReadWord(addr uint32) (uint32, error) {
	var b [4]byte
	if err := t.Transfer(addr, b[:], Read, nil, WidthWord); err != nil {
		return 0, fmt.Errorf("failed to read word 0x%08X: %w", addr, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteWord writes an aligned 32-bit word
func (t *Transport) WriteWord(addr uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	if err := t.Transfer(addr, b[:], Write, nil, WidthWord); err != nil {
		return fmt.Errorf("failed to write word 0x%08X: %w", addr, err)
	}
	return nil
}

// ReadWords reads len(dst) consecutive words
func (t *Transport) ReadWords(addr uint32, dst []uint32) error {
	buf := make([]byte, 4*len(dst))
	if err := t.Transfer(addr, buf, Read, nil, WidthWord); err != nil {
		return fmt.Errorf("failed to read %d words at 0x%08X: %w", len(dst), addr, err)
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return nil
}

// WriteWords writes consecutive words
func (t *Transport) WriteWords(addr uint32, src []uint32) error {
	buf := make([]byte, 4*len(src))
	for i, w := range src {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := t.Transfer(addr, buf, Write, nil, WidthWord); err != nil {
		return fmt.Errorf("failed to write %d words at 0x%08X: %w", len(src), addr, err)
	}
	return nil
}

// ReadInt16 reads a little-endian signed 16-bit register
func (t *Transport) ReadInt16(addr uint32) (int16, error) {
	var b [2]byte
	if err := t.ReadBytes(addr, b[:]); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b[:])), nil
}

// WriteInt16 writes a little-endian signed 16-bit register
func (t *Transport) WriteInt16(addr uint32, v int16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return t.WriteBytes(addr, b[:])
}

// ReadUint16 reads a little-endian 16-bit register
func (t *Transport) ReadUint16(addr uint32) (uint16, error) {
	v, err := t.ReadInt16(addr)
	return uint16(v), err
}

// WriteUint16 writes a little-endian 16-bit register
func (t *Transport) WriteUint16(addr uint32, v uint16) error {
	return t.WriteInt16(addr, int16(v))
}

// ReadInt32 reads a little-endian signed 32-bit register in the byte file
func (t *Transport) ReadInt32(addr uint32) (int32, error) {
	var b [4]byte
	if err := t.ReadBytes(addr, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// WriteInt32 writes a little-endian signed 32-bit register in the byte file
func (t *Transport) WriteInt32(addr uint32, v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return t.WriteBytes(addr, b[:])
}

// Field is a bitfield inside a 32-bit register
type Field struct {
	Addr  uint32
	Shift uint8
	Width uint8
}

func (f Field) mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return (uint32(1)<<f.Width - 1) << f.Shift
}

// ReadField extracts a bitfield
func (t *Transport) ReadField(f Field) (uint32, error) {
	w, err := t.ReadWord(f.Addr)
	if err != nil {
		return 0, err
	}
	return (w & f.mask()) >> f.Shift, nil
}

// WriteField replaces a bitfield, leaving the other bits of the word untouched
func (t *Transport) WriteField(f Field, value uint32) error {
	m := f.mask()
	if value<<f.Shift&^m != 0 {
		return fmt.Errorf("%w: value 0x%X overflows %d-bit field at 0x%08X", ErrInvalidOperation, value, f.Width, f.Addr)
	}
	return t.UpdateWord(f.Addr, m, value<<f.Shift)
}

// UpdateWord performs a read-modify-write replacing the bits in mask
func (t *Transport) UpdateWord(addr, mask, bits uint32) error {
	w, err := t.ReadWord(addr)
	if err != nil {
		return err
	}
	next := w&^mask | bits&mask
	if next == w {
		return nil
	}
	return t.WriteWord(addr, next)
}

// SetBits sets bits in a word register
func (t *Transport) SetBits(addr, bits uint32) error {
	return t.UpdateWord(addr, bits, bits)
}

// ClearBits clears bits in a word register
func (t *Transport) ClearBits(addr, bits uint32) error {
	return t.UpdateWord(addr, bits, 0)
}
