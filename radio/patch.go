package radio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PatchState tracks a firmware patch through its lifecycle
type PatchState int

const (
	PatchNotLoaded PatchState = iota
	PatchLoaded
	PatchVerified
	PatchSelfChecked
	PatchInjected
	PatchEjected
)

func (s PatchState) String() string {
	switch s {
	case PatchNotLoaded:
		return "not-loaded"
	case PatchLoaded:
		return "loaded"
	case PatchVerified:
		return "verified"
	case PatchSelfChecked:
		return "self-checked"
	case PatchInjected:
		return "injected"
	case PatchEjected:
		return "ejected"
	}
	return fmt.Sprintf("patch-state-%d", int(s))
}

// PatchMagic opens the info block of a patch blob
const PatchMagic = 0x48435450 // "PTCH" little-endian

// PatchInfoAddr is the nominal address of the info record; it is never written
const PatchInfoAddr = PatchRAMEnd - 0x40

// Info block word layout
const (
	infoMagic = iota
	infoIDs   // enable id | disable id << 16
	infoCheck // check id
	infoStart // checksum region start
	infoLen   // checksum region length
	infoGolden
	infoWords
)

// ChecksumConfig tells the on-device routine which region to checksum and
// what CRC-32 to expect
type ChecksumConfig struct {
	Start  uint32
	Length uint32
	Golden uint32
}

// Block renders the configuration as the word block written before a self-check
func (c ChecksumConfig) Block() DataBlock {
	buf := make([]byte, ChecksumCfgSize)
	binary.LittleEndian.PutUint32(buf[0:], c.Start)
	binary.LittleEndian.PutUint32(buf[4:], c.Length)
	binary.LittleEndian.PutUint32(buf[8:], c.Golden)
	return DataBlock{Addr: RegChecksumCfg, Size: ChecksumCfgSize, Width: WidthWord, Kind: BlockChecksumCfg, Buf: buf}
}

// Patch is a firmware extension downloaded into patch RAM. The info and
// self-check blocks never take part in plain transfer passes.
type Patch struct {
	Config
	Info      DataBlock
	SelfCheck DataBlock
	Checksum  ChecksumConfig
	EnableID  uint16
	DisableID uint16
	CheckID   uint16
	state     PatchState
}

// State returns the lifecycle position
func (p *Patch) State() PatchState { return p.state }

// Forget drops back to not-loaded, e.g. after the device was reset
func (p *Patch) Forget() { p.state = PatchNotLoaded }

// DecodePatch parses a patch blob: record 0 is the info block, record 1 the
// self-check program, the remaining records are the patch body.
func DecodePatch(name string, blob []byte) (*Patch, error) {
	cfg, err := DecodeConfig(name, blob)
	if err != nil {
		return nil, err
	}
	if len(cfg.Blocks) < 3 {
		return nil, fmt.Errorf("%w: patch %q has %d records, need info, self-check and body", ErrInvalidConfig, name, len(cfg.Blocks))
	}
	info := cfg.Blocks[0]
	if len(info.Buf) < 4*infoWords {
		return nil, fmt.Errorf("%w: patch %q info block too short", ErrInvalidConfig, name)
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(info.Buf[4*i:]) }
	if word(infoMagic) != PatchMagic {
		return nil, fmt.Errorf("%w: patch %q bad magic 0x%08X", ErrInvalidConfig, name, word(infoMagic))
	}
	info.Kind = BlockInfo
	check := cfg.Blocks[1]
	check.Kind = BlockSelfCheck

	p := &Patch{
		Config:    Config{Name: name, Blocks: cfg.Blocks[2:]},
		Info:      info,
		SelfCheck: check,
		Checksum: ChecksumConfig{
			Start:  word(infoStart),
			Length: word(infoLen),
			Golden: word(infoGolden),
		},
		EnableID:  uint16(word(infoIDs)),
		DisableID: uint16(word(infoIDs) >> 16),
		CheckID:   uint16(word(infoCheck)),
	}
	return p, nil
}

// BuildPatchBlob assembles a patch blob from its body, computing the golden
// checksum over the contiguous body region.
func BuildPatchBlob(body []DataBlock, selfCheck DataBlock, enableID, disableID, checkID uint16) []byte {
	start, end := body[0].Addr, body[0].Addr
	for _, b := range body {
		if b.Addr < start {
			start = b.Addr
		}
		if e := b.Addr + uint32(len(b.Buf)); e > end {
			end = e
		}
	}
	image := make([]byte, end-start)
	for _, b := range body {
		copy(image[b.Addr-start:], b.Buf)
	}

	info := make([]byte, 4*infoWords)
	binary.LittleEndian.PutUint32(info[4*infoMagic:], PatchMagic)
	binary.LittleEndian.PutUint32(info[4*infoIDs:], uint32(enableID)|uint32(disableID)<<16)
	binary.LittleEndian.PutUint32(info[4*infoCheck:], uint32(checkID))
	binary.LittleEndian.PutUint32(info[4*infoStart:], start)
	binary.LittleEndian.PutUint32(info[4*infoLen:], end-start)
	binary.LittleEndian.PutUint32(info[4*infoGolden:], crc32.ChecksumIEEE(image))

	blocks := []DataBlock{{Addr: PatchInfoAddr, Buf: info}, selfCheck}
	return BuildBlob(append(blocks, body...))
}

// LoadPatch writes the patch body
func (t *Transport) LoadPatch(p *Patch) error {
	if err := t.XferConfig(&p.Config, Write, false); err != nil {
		return fmt.Errorf("failed to load patch %q: %w", p.Name, err)
	}
	p.state = PatchLoaded
	t.log.Debug("Patch loaded", "patch", p.Name, "blocks", len(p.Blocks))
	return nil
}

// VerifyPatch reads the body back and compares it against the host copy
func (t *Transport) VerifyPatch(p *Patch) error {
	if p.state == PatchNotLoaded {
		return fmt.Errorf("%w: patch %q not loaded", ErrInvalidOperation, p.Name)
	}
	if err := t.XferConfig(&p.Config, Read, true); err != nil {
		return fmt.Errorf("failed to verify patch %q: %w", p.Name, err)
	}
	if p.state == PatchLoaded {
		p.state = PatchVerified
	}
	return nil
}

// SelfCheckPatch downloads the self-check program and checksum configuration,
// triggers the on-device checksum routine and reads its verdict. A failing
// checksum is reported as false, not as an error.
func (t *Transport) SelfCheckPatch(p *Patch, budget Budget) (bool, error) {
	if p.state == PatchNotLoaded {
		return false, fmt.Errorf("%w: patch %q not loaded", ErrInvalidOperation, p.Name)
	}
	if err := t.XferBlock(&p.SelfCheck, Write, false); err != nil {
		return false, fmt.Errorf("self-check program: %w", err)
	}
	ck := p.Checksum.Block()
	if err := t.XferBlock(&ck, Write, false); err != nil {
		return false, fmt.Errorf("checksum config: %w", err)
	}
	if err := t.WriteWord(RegSequenceID, uint32(p.CheckID)); err != nil {
		return false, err
	}
	if _, err := t.CommandAndPoll(PollRequest{
		Command:   StateCommand(StateRamLoad),
		WaitState: true,
		Target:    StateOff,
		Budget:    budget,
	}); err != nil {
		return false, fmt.Errorf("self-check of patch %q: %w", p.Name, err)
	}
	res, err := t.ReadWord(RegSelfCheck)
	if err != nil {
		return false, err
	}
	if res&ResultDone == 0 {
		return false, fmt.Errorf("%w: self-check of patch %q did not complete", ErrHardware, p.Name)
	}
	pass := res&ResultPass != 0
	if pass && p.state < PatchSelfChecked {
		p.state = PatchSelfChecked
	}
	t.log.Debug("Patch self-check", "patch", p.Name, "pass", pass)
	return pass, nil
}

// InjectPatch writes the enable sequence id, optionally reading it back
func (t *Transport) InjectPatch(p *Patch, verify bool) error {
	if p.state == PatchNotLoaded {
		return fmt.Errorf("%w: patch %q not loaded", ErrInvalidOperation, p.Name)
	}
	if err := t.writeSequenceID(p.EnableID, verify); err != nil {
		return fmt.Errorf("failed to inject patch %q: %w", p.Name, err)
	}
	p.state = PatchInjected
	return nil
}

// EjectPatch writes the disable sequence id, optionally reading it back
func (t *Transport) EjectPatch(p *Patch, verify bool) error {
	if p.state != PatchInjected {
		return fmt.Errorf("%w: patch %q is %s, not injected", ErrInvalidOperation, p.Name, p.state)
	}
	if err := t.writeSequenceID(p.DisableID, verify); err != nil {
		return fmt.Errorf("failed to eject patch %q: %w", p.Name, err)
	}
	p.state = PatchEjected
	return nil
}

func (t *Transport) writeSequenceID(id uint16, verify bool) error {
	if err := t.WriteWord(RegSequenceID, uint32(id)); err != nil {
		return err
	}
	if !verify {
		return nil
	}
	got, err := t.ReadWord(RegSequenceID)
	if err != nil {
		return err
	}
	if uint16(got) != id {
		return fmt.Errorf("%w: sequence id 0x%04X read back as 0x%04X", ErrVerify, id, uint16(got))
	}
	return nil
}
