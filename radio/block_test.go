package radio_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/linht/phy-manager/radio"
)

func TestDecodeBlockIndex(t *testing.T) {
	blob := radio.BuildBlob([]radio.DataBlock{
		{Addr: 0x100, Buf: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Addr: 0x200, Buf: []byte{0xA, 0xB, 0xC, 0xD, 0xE}},
	})
	// Records of {len 12, 8 bytes} and {len 9, 5 bytes} would contradict
	// payload = len-8. The length counts the whole record, so the records
	// are 16 and 13 bytes long.
	assert.Equal(t, len(blob), 16+13)

	// record 1 header: full record length, reserved, big-endian address,
	// then the payload with whole words swapped
	assert.DeepEqual(t, blob[16:], []byte{
		0x00, 0x00, 0x0D, 0x00,
		0x00, 0x00, 0x02, 0x00,
		0xD, 0xC, 0xB, 0xA, 0xE,
	})

	var b radio.DataBlock
	assert.NilError(t, radio.DecodeBlock(blob, 1, &b))
	assert.Equal(t, b.Addr, uint32(0x200))
	assert.Equal(t, b.Size, uint32(5))
	assert.DeepEqual(t, b.Buf, []byte{0xA, 0xB, 0xC, 0xD, 0xE})

	n, err := radio.CountRecords(blob)
	assert.NilError(t, err)
	assert.Equal(t, n, 2)
}

func TestDecodeBlockReusesBuffer(t *testing.T) {
	blob := radio.BuildBlob([]radio.DataBlock{{Addr: radio.RegFifo, Buf: []byte{1, 2, 3, 4}}})

	buf := make([]byte, 16)
	b := radio.DataBlock{Buf: buf}
	assert.NilError(t, radio.DecodeBlock(blob, 0, &b))
	assert.Equal(t, &b.Buf[0], &buf[0])
	assert.Equal(t, len(b.Buf), 4)
	assert.Equal(t, b.Width, radio.WidthByte)

	small := radio.DataBlock{Buf: make([]byte, 2)}
	assert.ErrorIs(t, radio.DecodeBlock(blob, 0, &small), radio.ErrInvalidConfig)
}

func TestDecodeBlockWidth(t *testing.T) {
	blob := radio.BuildBlob([]radio.DataBlock{
		{Addr: radio.RegChecksumCfg, Buf: make([]byte, 12)},
		{Addr: radio.RegFrf, Buf: make([]byte, 8)},
	})
	cfg, err := radio.DecodeConfig("w", blob)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Blocks[0].Width, radio.WidthWord)
	assert.Equal(t, cfg.Blocks[1].Width, radio.WidthByte)
}

func TestDecodeMalformed(t *testing.T) {
	good := radio.BuildBlob([]radio.DataBlock{{Addr: 0x4000, Buf: []byte{1, 2, 3, 4}}})

	tests := []struct {
		name string
		blob []byte
	}{
		{"truncated header", good[:5]},
		{"truncated payload", good[:len(good)-1]},
		{"length below header", append([]byte{0, 0, 4, 0}, good[4:]...)},
		{"oversized", []byte{0x7F, 0xFF, 0xFF, 0, 0, 0, 0x40, 0}},
	}
	for _, tt := range tests {
		_, err := radio.DecodeConfig(tt.name, tt.blob)
		assert.ErrorIs(t, err, radio.ErrInvalidConfig, tt.name)
	}

	var b radio.DataBlock
	assert.ErrorIs(t, radio.DecodeBlock(good, 3, &b), radio.ErrInvalidConfig)
}

func TestConfigRoundTrip(t *testing.T) {
	blocks := []radio.DataBlock{
		{Addr: radio.RegFrf, Buf: []byte{0x11, 0x22, 0x33, 0x44}},
		{Addr: radio.RegFifo, Buf: pattern(100, 3)},
		{Addr: radio.RegCalMask, Buf: []byte{0x0F, 0, 0, 0}},
	}
	cfg, err := radio.DecodeConfig("rt", radio.BuildBlob(blocks))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Len(), 3)

	tr, dev := newSession(t, radio.Options{})
	assert.NilError(t, tr.XferConfig(cfg, radio.Write, false))
	for _, b := range blocks {
		assert.DeepEqual(t, dev.Peek(b.Addr, len(b.Buf)), b.Buf)
	}
	assert.Equal(t, dev.Word(radio.RegCalMask), uint32(0x0F))
	assert.NilError(t, tr.XferConfig(cfg, radio.Read, true))

	// a plain read overwrites the host copy with device memory
	dev.Poke(radio.RegFifo, []byte{0xEE})
	assert.NilError(t, tr.XferConfig(cfg, radio.Read, false))
	assert.Equal(t, cfg.Blocks[1].Buf[0], byte(0xEE))
	assert.Equal(t, dev.Stats().Violations, 0)
}

func TestXferConfigStopsAtFailure(t *testing.T) {
	cfg := &radio.Config{Name: "three", Blocks: []radio.DataBlock{
		{Addr: 0x4100, Size: 4, Buf: []byte{1, 1, 1, 1}},
		{Addr: 0x4200, Size: 4, Buf: []byte{2, 2, 2, 2}},
		{Addr: 0x4300, Size: 4, Buf: []byte{3, 3, 3, 3}},
	}}
	tr, dev := newSession(t, radio.Options{})
	dev.FailWriteTo(0x4200)

	err := tr.XferConfig(cfg, radio.Write, false)
	assert.ErrorIs(t, err, radio.ErrComm)
	assert.DeepEqual(t, dev.Peek(0x4100, 4), []byte{1, 1, 1, 1})
	assert.DeepEqual(t, dev.Peek(0x4200, 4), []byte{0, 0, 0, 0})
	assert.DeepEqual(t, dev.Peek(0x4300, 4), []byte{0, 0, 0, 0})
}

func TestXferConfigChainAndVolatile(t *testing.T) {
	tail := &radio.Config{Name: "tail", Blocks: []radio.DataBlock{
		{Addr: radio.RegRssi, Size: 2, Volatile: true, Buf: []byte{0x55, 0x55}},
	}}
	head := &radio.Config{Name: "head", Next: tail, Blocks: []radio.DataBlock{
		{Addr: radio.RegCrcLen, Size: 1, Buf: []byte{2}},
		{Addr: radio.RegSelfCheck, Size: 4, Kind: radio.BlockSelfCheck, Width: radio.WidthWord, Buf: []byte{9, 9, 9, 9}},
	}}
	assert.Equal(t, head.Len(), 3)

	tr, dev := newSession(t, radio.Options{})
	assert.NilError(t, tr.XferConfig(head, radio.Write, false))
	assert.DeepEqual(t, dev.Peek(radio.RegCrcLen, 1), []byte{2})
	// bookkeeping blocks never take part in plain passes
	assert.Equal(t, dev.Word(radio.RegSelfCheck), uint32(0))

	// the volatile RSSI register reads back differently and is skipped
	assert.NilError(t, tr.XferConfig(head, radio.Read, true))

	dev.Poke(radio.RegCrcLen, []byte{4})
	err := tr.XferConfig(head, radio.Read, true)
	assert.ErrorIs(t, err, radio.ErrVerify)
}

func TestXferBlockRejectsShortBuffer(t *testing.T) {
	tr, _ := newSession(t, radio.Options{})
	b := radio.DataBlock{Addr: radio.RegFifo, Size: 8, Buf: make([]byte, 4)}
	assert.ErrorIs(t, tr.XferBlock(&b, radio.Write, false), radio.ErrInvalidConfig)
}

func TestBuildBlobMatchesDecode(t *testing.T) {
	in := []radio.DataBlock{
		{Addr: 0x10000, Buf: pattern(32, 1)},
		{Addr: 0x10100, Buf: pattern(7, 2)},
	}
	cfg, err := radio.DecodeConfig("x", radio.BuildBlob(in))
	assert.NilError(t, err)
	for i := range in {
		if diff := cmp.Diff(in[i].Buf, cfg.Blocks[i].Buf); diff != "" {
			t.Errorf("block %d (-want +got):\n%s", i, diff)
		}
	}
}
