package radio

// SPI interface and control registers (word access only)
const (
	RegPointerBase  = 0x0100 // P0..P7, one word each
	RegErrorCode    = 0x0120 // hardware error code, low 16 bits
	RegSequenceID   = 0x0124 // patch sequence id, low 16 bits
	RegCalMask      = 0x0128 // calibration subroutine bitmask
	RegSelfCheck    = 0x012C // self-check result
	RegCalResult    = 0x0130 // calibration result
	RegIrqMask      = 0x0140
	RegIrqStatus    = 0x0144 // write 1 to clear
	RegIrqRoute     = 0x0148 // byte n: events routed to device IRQ pin n
	RegGpioDir      = 0x0150 // 1 = output
	RegGpioOut      = 0x0154
	RegGpioIn       = 0x0158
	RegTriggerSel   = 0x015C // nibble n: trigger function of device GPIO n
	RegChecksumCfg  = 0x0160 // start, length, golden
	ChecksumCfgSize = 12
)

// Radio register file (byte addressable)
const (
	RegFrf          = 0x4000 // channel frequency word
	RegCrcLen       = 0x4008
	RegPaCoarse     = 0x4009
	RegPaFine       = 0x400A
	RegPaMicro      = 0x400B
	RegRssiOffset   = 0x400C // int16 dB
	RegRssi         = 0x400E // int16 dBm, read-only
	RegCcaTime      = 0x4010 // detection time in µs
	RegTestMode     = 0x4012
	RegRxLength     = 0x4014
	RegTxLength     = 0x4015
	RegFreqOffset   = 0x4018 // int32 Hz
	RegCalHeader    = 0x401C // calibration cache header
	RegRadioCal     = 0x4020
	RegVcoCal       = 0x4040
	RegFreqError    = 0x4050 // int32 Hz, read-only
	RegFifo         = 0x4100
	RadioCalSize    = 32
	VcoCalSize      = 16
	FifoSize        = 256
	RegisterFileEnd = 0x5000

	PatchRAMBase = 0x10000
	PatchRAMEnd  = 0x14000
)

// Self-check and calibration result bits
const (
	ResultDone = 1 << 0
	ResultPass = 1 << 1
)

// IRQ event bits shared by mask, status and routing registers
const (
	IrqTxDone   = 1 << 0
	IrqRxDone   = 1 << 1
	IrqSync     = 1 << 2
	IrqPreamble = 1 << 3
	IrqCrcError = 1 << 4
	IrqCcaDone  = 1 << 5
	IrqHwError  = 1 << 6
)

// CalHeaderValid tags a calibration cache the firmware may load instead of
// running a cold recalibration. CalHeaderEmpty is the "no cache" marker.
const (
	CalHeaderValid uint32 = 0xCA1B0001
	CalHeaderEmpty uint32 = 0
)

// addrRange is a half-open device address range
type addrRange struct {
	start, end uint32
}

func (r addrRange) contains(addr, size uint32) bool {
	return addr >= r.start && addr+size <= r.end
}

// byteAddressable lists the regions accepting 8-bit access. Everything else
// only accepts whole aligned words.
var byteAddressable = []addrRange{
	{0x4000, RegisterFileEnd},
	{PatchRAMBase, PatchRAMEnd},
}

// ByteAddressable reports whether [addr, addr+size) may be accessed bytewise
func ByteAddressable(addr, size uint32) bool {
	for _, r := range byteAddressable {
		if r.contains(addr, size) {
			return true
		}
	}
	return false
}

// RegisterDescriptions names the registers for diagnostics
var RegisterDescriptions = map[uint32]string{
	RegErrorCode:   "ERROR_CODE - Hardware error code",
	RegSequenceID:  "SEQ_ID - Patch sequence id",
	RegCalMask:     "CAL_MASK - Calibration subroutines",
	RegSelfCheck:   "SELF_CHECK - Patch self-check result",
	RegCalResult:   "CAL_RESULT - Calibration result",
	RegIrqMask:     "IRQ_MASK - Enabled interrupt events",
	RegIrqStatus:   "IRQ_STATUS - Pending interrupt events",
	RegIrqRoute:    "IRQ_ROUTE - Event to IRQ pin routing",
	RegGpioDir:     "GPIO_DIR - Device GPIO direction",
	RegGpioOut:     "GPIO_OUT - Device GPIO output",
	RegGpioIn:      "GPIO_IN - Device GPIO input",
	RegTriggerSel:  "TRIG_SEL - Trigger function select",
	RegFrf:         "FRF - Channel frequency word",
	RegCrcLen:      "CRC_LEN - CRC length",
	RegPaCoarse:    "PA_COARSE - PA coarse setting",
	RegPaFine:      "PA_FINE - PA fine setting",
	RegPaMicro:     "PA_MICRO - PA micro setting",
	RegRssiOffset:  "RSSI_OFFSET - RSSI calibration offset",
	RegRssi:        "RSSI - Instantaneous RSSI",
	RegCcaTime:     "CCA_TIME - CCA detection time",
	RegTestMode:    "TEST_MODE - Test mode select",
	RegRxLength:    "RX_LEN - Received frame length",
	RegTxLength:    "TX_LEN - Frame length to send",
	RegFreqOffset:  "FREQ_OFFSET - Frequency offset correction",
	RegCalHeader:   "CAL_HEADER - Calibration cache header",
	RegFreqError:   "FREQ_ERROR - Frequency error estimate",
}
