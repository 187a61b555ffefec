package radio

// NumPointers is the number of hardware window pointers
const NumPointers = 8

// GeneralPointer is the window re-armed for addresses no other window covers
const GeneralPointer = NumPointers - 1

// maxPointerOffset is the largest offset a pointer-relative access can encode
const maxPointerOffset = 0xFF

// pointerTable mirrors the device window pointer registers so that an access
// near a known window skips the 4-byte address re-arm.
type pointerTable struct {
	addr  [NumPointers]uint32
	valid [NumPointers]bool
}

// lookup returns the first armed window whose base lies 0..255 bytes below addr
func (p *pointerTable) lookup(addr uint32) (idx uint8, off uint8, ok bool) {
	for i := 0; i < NumPointers; i++ {
		if !p.valid[i] || addr < p.addr[i] {
			continue
		}
		if d := addr - p.addr[i]; d <= maxPointerOffset {
			return uint8(i), uint8(d), true
		}
	}
	return 0, 0, false
}

func (p *pointerTable) get(idx uint8) (uint32, bool) {
	return p.addr[idx], p.valid[idx]
}

func (p *pointerTable) set(idx uint8, addr uint32) {
	p.addr[idx] = addr
	p.valid[idx] = true
}

// invalidate forgets every shadow, used after a device reset
func (p *pointerTable) invalidate() {
	p.valid = [NumPointers]bool{}
}

// forget drops the shadows of every pointer register overlapping [addr, addr+n)
func (p *pointerTable) forget(addr, n uint32) {
	for i := uint32(0); i < NumPointers; i++ {
		reg := uint32(RegPointerBase) + 4*i
		if addr < reg+4 && addr+n > reg {
			p.valid[i] = false
		}
	}
}
