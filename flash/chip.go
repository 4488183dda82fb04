package flash

import (
	"strings"
)

// Family tags a chip generation
type Family int

const (
	FamilyESP32 Family = iota
	FamilyESP32S2
	FamilyESP32S3
	FamilyESP32C3
	FamilyESP32C6
)

// IdentifyBy says which value read during connect selects a descriptor
type IdentifyBy int

const (
	// IdentifyByMagic matches the value of the chip detect magic register
	IdentifyByMagic IdentifyBy = iota
	// IdentifyByChipID matches the chip id reported by GET_SECURITY_INFO
	IdentifyByChipID
)

const chipDetectMagicReg = 0x40001000

type MemoryRegion struct {
	Start uint32
	End   uint32
	Tag   string
}

// SPIRegs are the offsets of the SPI user command registers from the SPI
// controller base
type SPIRegs struct {
	USR      uint32
	USR1     uint32
	USR2     uint32
	MOSIDLen uint32
	MISODLen uint32
	W0       uint32
}

// WatchdogRegs are the RTC and super watchdog registers that have to be
// handled when the ROM talks over USB-Serial-JTAG
type WatchdogRegs struct {
	WDTConfig0  uint32
	WDTWProtect uint32
	WDTKey      uint32
	SWDConf     uint32
	SWDWProtect uint32
	SWDKey      uint32
	SWDAutoFeed uint32
}

// Descriptor is the constant description of one chip model. It is bound to a
// Link once the chip has been identified and never changes afterwards.
type Descriptor struct {
	Name     string
	Family   Family
	Identify IdentifyBy
	Magic    []uint32
	ChipID   uint32

	RegSPIBase      uint32
	RegEfuseBase    uint32
	RegSysconBase   uint32
	RegRTCCntlBase  uint32
	RegUARTClkDiv   uint32
	RegUARTDate     uint32
	RegUARTDevBufNo uint32

	SPI SPIRegs

	// Opcodes overrides entries of the default opcode map
	Opcodes CommandCodeMap

	RAMBlock           uint32
	USBRAMBlock        uint32
	FlashWriteSize     uint32
	StubFlashWriteSize uint32

	// ROMStatusLen is the size of the status block the ROM sends. The stub
	// always sends 2.
	ROMStatusLen int

	FlashSizes map[byte]uint32
	MemoryMap  []MemoryRegion

	BootloaderOffset       uint32
	SupportsEncryptedFlash bool

	// UART selector values read from RegUARTDevBufNo, 0 when the chip has no
	// such path
	UARTNoUSBOTG  uint32
	UARTNoUSBJTAG uint32

	Watchdog *WatchdogRegs
}

// StatusLen returns the number of status bytes at the end of a response
func (d *Descriptor) StatusLen(stub bool) int {
	if stub || d.ROMStatusLen == 0 {
		return 2
	}
	return d.ROMStatusLen
}

// WriteSize returns the flash block size
func (d *Descriptor) WriteSize(stub bool) uint32 {
	if stub && d.StubFlashWriteSize > 0 {
		return d.StubFlashWriteSize
	}
	return d.FlashWriteSize
}

// CanonicalName is the name used to look up the stub image: lower case with
// parentheses and dashes removed
func (d *Descriptor) CanonicalName() string {
	return strings.ToLower(strings.NewReplacer("(", "", ")", "", "-", "").Replace(d.Name))
}

// FlashSizeFromID maps the capacity byte of a JEDEC flash id to a size in
// bytes
func (d *Descriptor) FlashSizeFromID(id uint32) (uint32, bool) {
	size, ok := d.FlashSizes[byte(id>>16)]
	return size, ok
}

// Region returns the named memory region containing addr
func (d *Descriptor) Region(addr uint32) (MemoryRegion, bool) {
	for _, r := range d.MemoryMap {
		if addr >= r.Start && addr < r.End {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

func (d *Descriptor) opcode(c CommandCode) byte {
	if b, ok := d.Opcodes[c]; ok {
		return b
	}
	return defaultCmdCodeMap[c]
}

func (d *Descriptor) spiReg(off uint32) uint32 {
	return d.RegSPIBase + off
}

// lookupByMagic will find the descriptor whose detect magic matches
func lookupByMagic(magic uint32) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Identify != IdentifyByMagic {
			continue
		}
		for _, m := range d.Magic {
			if m == magic {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// lookupByChipID will find the descriptor for a GET_SECURITY_INFO chip id
func lookupByChipID(id uint32) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Identify == IdentifyByChipID && d.ChipID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Descriptors returns a copy of every known chip descriptor
func Descriptors() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}
