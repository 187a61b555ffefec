package sim

import "github.com/linht/phy-manager/radio"

// Sequence ids of the built-in calibration patch
const (
	CalEnableID  = 0x0C01
	CalDisableID = 0x0C02
	CalCheckID   = 0x0C03
)

// CalibrationPatch returns a patch blob for the simulated offline
// calibration. A device runs it when CalSeqID is CalEnableID.
func CalibrationPatch() []byte {
	body := []radio.DataBlock{
		{Addr: radio.PatchRAMBase, Buf: []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}},
		{Addr: radio.PatchRAMBase + 8, Buf: []byte{0xA1, 0xA2, 0xA3, 0xA4}},
	}
	check := radio.DataBlock{Addr: radio.PatchRAMBase + 0x1000, Buf: []byte{1, 2, 3, 4}}
	return radio.BuildPatchBlob(body, check, CalEnableID, CalDisableID, CalCheckID)
}
