package radio

import (
	"encoding/binary"
	"fmt"
)

// Blob record layout: 3-byte big-endian record length, one reserved byte,
// 4-byte big-endian device address, then length-8 payload bytes with words in
// device (big-endian wire) order.
const (
	recordHeader = 8
	// MaxBlockSize bounds a single record payload
	MaxBlockSize = PatchRAMEnd - PatchRAMBase
)

// BlockKind separates plain data blocks from the patch bookkeeping blocks
// that plain transfer passes skip.
type BlockKind uint8

const (
	BlockData BlockKind = iota
	BlockInfo
	BlockSelfCheck
	BlockChecksumCfg
)

// DataBlock mirrors one device region in a host buffer. Buf holds the bytes
// in device memory order.
type DataBlock struct {
	Addr     uint32
	Size     uint32
	Width    Width
	Volatile bool
	Kind     BlockKind
	Buf      []byte
}

// Config is an ordered list of blocks, optionally chained to a further
// descriptor. Blocks apply strictly in order with no rollback.
type Config struct {
	Name   string
	Blocks []DataBlock
	Next   *Config
}

// Len counts the blocks across the whole chain
func (c *Config) Len() int {
	n := 0
	for cur := c; cur != nil; cur = cur.Next {
		n += len(cur.Blocks)
	}
	return n
}

// widthFor picks word access for aligned regions outside the byte ranges
func widthFor(addr, size uint32) Width {
	if addr&3 == 0 && size&3 == 0 && !ByteAddressable(addr, size) {
		return WidthWord
	}
	return WidthByte
}

// recordAt parses the record header at off and returns the payload bounds
func recordAt(blob []byte, off int) (addr uint32, payload []byte, next int, err error) {
	if len(blob)-off < recordHeader {
		return 0, nil, 0, fmt.Errorf("%w: truncated record header at offset %d", ErrInvalidConfig, off)
	}
	length := int(blob[off])<<16 | int(blob[off+1])<<8 | int(blob[off+2])
	if length < recordHeader {
		return 0, nil, 0, fmt.Errorf("%w: record length %d at offset %d", ErrInvalidConfig, length, off)
	}
	if length-recordHeader > MaxBlockSize {
		return 0, nil, 0, fmt.Errorf("%w: record at offset %d oversized (%d bytes)", ErrInvalidConfig, off, length-recordHeader)
	}
	if off+length > len(blob) {
		return 0, nil, 0, fmt.Errorf("%w: record at offset %d runs past end of blob", ErrInvalidConfig, off)
	}
	addr = binary.BigEndian.Uint32(blob[off+4 : off+8])
	return addr, blob[off+recordHeader : off+length], off + length, nil
}

// CountRecords returns the number of records in blob
func CountRecords(blob []byte) (int, error) {
	n := 0
	for off := 0; off < len(blob); n++ {
		_, _, next, err := recordAt(blob, off)
		if err != nil {
			return 0, err
		}
		off = next
	}
	return n, nil
}

// DecodeBlock walks blob to record index and fills dst. A preallocated
// dst.Buf is reused and must be large enough; a nil one is allocated. Words
// are swapped into device memory order while copying.
func DecodeBlock(blob []byte, index int, dst *DataBlock) error {
	off := 0
	for i := 0; ; i++ {
		addr, payload, next, err := recordAt(blob, off)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if i < index {
			off = next
			continue
		}

		size := uint32(len(payload))
		if dst.Buf == nil {
			dst.Buf = make([]byte, size)
		} else if uint32(cap(dst.Buf)) < size {
			return fmt.Errorf("%w: record %d needs %d bytes, block holds %d", ErrInvalidConfig, i, size, cap(dst.Buf))
		}
		dst.Buf = dst.Buf[:size]
		copy(dst.Buf, payload)
		swapWords(dst.Buf)
		dst.Addr = addr
		dst.Size = size
		dst.Width = widthFor(addr, size)
		return nil
	}
}

// DecodeConfig decodes every record of blob into a configuration
func DecodeConfig(name string, blob []byte) (*Config, error) {
	n, err := CountRecords(blob)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Name: name, Blocks: make([]DataBlock, n)}
	for i := range cfg.Blocks {
		if err := DecodeBlock(blob, i, &cfg.Blocks[i]); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// BuildBlob encodes blocks into the record format, the inverse of DecodeConfig
func BuildBlob(blocks []DataBlock) []byte {
	size := 0
	for _, b := range blocks {
		size += recordHeader + len(b.Buf)
	}
	out := make([]byte, 0, size)
	for _, b := range blocks {
		length := recordHeader + len(b.Buf)
		out = append(out, byte(length>>16), byte(length>>8), byte(length), 0)
		out = binary.BigEndian.AppendUint32(out, b.Addr)
		start := len(out)
		out = append(out, b.Buf...)
		swapWords(out[start:])
	}
	return out
}

// XferBlock moves one block. With verifyOnly a read compares device memory
// against the block buffer instead of overwriting it.
func (t *Transport) XferBlock(b *DataBlock, dir Direction, verifyOnly bool) error {
	if uint32(len(b.Buf)) < b.Size {
		return fmt.Errorf("%w: block 0x%08X buffer %d < size %d", ErrInvalidConfig, b.Addr, len(b.Buf), b.Size)
	}
	buf := b.Buf[:b.Size]
	if verifyOnly {
		return t.Transfer(b.Addr, nil, Read, buf, b.Width)
	}
	return t.Transfer(b.Addr, buf, dir, nil, b.Width)
}

// XferConfig applies every data block of cfg and its chain in order, stopping
// at the first failure. Blocks before the failing one stay applied. Volatile
// blocks are skipped when verifying.
func (t *Transport) XferConfig(cfg *Config, dir Direction, verifyOnly bool) error {
	i := 0
	for cur := cfg; cur != nil; cur = cur.Next {
		for j := range cur.Blocks {
			b := &cur.Blocks[j]
			if b.Kind != BlockData || (verifyOnly && b.Volatile) {
				i++
				continue
			}
			if err := t.XferBlock(b, dir, verifyOnly); err != nil {
				return fmt.Errorf("config %q block %d (0x%08X): %w", cur.Name, i, b.Addr, err)
			}
			i++
		}
	}
	t.log.Debug("Configuration transferred", "config", cfg.Name, "blocks", i, "dir", dir.String(), "verify", verifyOnly)
	return nil
}
