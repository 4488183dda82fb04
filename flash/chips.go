package flash

const (
	ramBlockSize       = 0x1800
	romFlashWriteSize  = 0x400
	stubFlashWriteSize = 0x4000
	flashSectorSize    = 0x1000
)

// detectedFlashSizes maps the capacity byte of a JEDEC RDID reply to bytes
var detectedFlashSizes = map[byte]uint32{
	0x12: 256 << 10,
	0x13: 512 << 10,
	0x14: 1 << 20,
	0x15: 2 << 20,
	0x16: 4 << 20,
	0x17: 8 << 20,
	0x18: 16 << 20,
	0x19: 32 << 20,
	0x1A: 64 << 20,
	0x1B: 128 << 20,
	0x1C: 256 << 20,
	0x20: 64 << 20,
	0x21: 128 << 20,
	0x22: 256 << 20,
	0x32: 256 << 10,
	0x33: 512 << 10,
	0x34: 1 << 20,
	0x35: 2 << 20,
	0x36: 4 << 20,
	0x37: 8 << 20,
	0x38: 16 << 20,
	0x39: 32 << 20,
	0x3A: 64 << 20,
}

// newer chips share one SPI register layout
var spiRegsV2 = SPIRegs{USR: 0x18, USR1: 0x1C, USR2: 0x20, MOSIDLen: 0x24, MISODLen: 0x28, W0: 0x58}

var descriptors = []Descriptor{
	{
		Name:     "ESP32",
		Family:   FamilyESP32,
		Identify: IdentifyByMagic,
		Magic:    []uint32{0x00F01D83},
		ChipID:   0,

		RegSPIBase:    0x3FF42000,
		RegEfuseBase:  0x3FF5A000,
		RegSysconBase: 0x3FF66000,
		RegUARTClkDiv: 0x3FF40014,
		RegUARTDate:   0x60000078,

		SPI: SPIRegs{USR: 0x1C, USR1: 0x20, USR2: 0x24, MOSIDLen: 0x28, MISODLen: 0x2C, W0: 0x80},

		RAMBlock:           ramBlockSize,
		FlashWriteSize:     romFlashWriteSize,
		StubFlashWriteSize: stubFlashWriteSize,
		ROMStatusLen:       4,
		FlashSizes:         detectedFlashSizes,
		BootloaderOffset:   0x1000,

		MemoryMap: []MemoryRegion{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3F400000, 0x3F800000, "DROM"},
			{0x3F800000, 0x3FC00000, "EXTRAM_DATA"},
			{0x3FF80000, 0x3FF82000, "RTC_DRAM"},
			{0x3FF90000, 0x40000000, "BYTE_ACCESSIBLE"},
			{0x3FFAE000, 0x40000000, "DRAM"},
			{0x3FFE0000, 0x3FFFFFFC, "DIRAM_DRAM"},
			{0x40000000, 0x40070000, "IROM"},
			{0x40070000, 0x40078000, "CACHE_PRO"},
			{0x40078000, 0x40080000, "CACHE_APP"},
			{0x40080000, 0x400A0000, "IRAM"},
			{0x400A0000, 0x400BFFFC, "DIRAM_IRAM"},
			{0x400C0000, 0x400C2000, "RTC_IRAM"},
			{0x400D0000, 0x40400000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		Name:     "ESP32-S2",
		Family:   FamilyESP32S2,
		Identify: IdentifyByMagic,
		Magic:    []uint32{0x000007C6},
		ChipID:   2,

		RegSPIBase:      0x3F402000,
		RegEfuseBase:    0x3F41A000,
		RegUARTClkDiv:   0x3F400014,
		RegUARTDate:     0x60000078,
		RegUARTDevBufNo: 0x3FFFFD14,

		SPI: spiRegsV2,

		RAMBlock:               ramBlockSize,
		USBRAMBlock:            0x800,
		FlashWriteSize:         romFlashWriteSize,
		StubFlashWriteSize:     stubFlashWriteSize,
		ROMStatusLen:           4,
		FlashSizes:             detectedFlashSizes,
		BootloaderOffset:       0x1000,
		SupportsEncryptedFlash: true,
		UARTNoUSBOTG:           2,

		MemoryMap: []MemoryRegion{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3F000000, 0x3FF80000, "DROM"},
			{0x3F500000, 0x3FF80000, "EXTRAM_DATA"},
			{0x3FF9E000, 0x3FFA0000, "RTC_DRAM"},
			{0x3FF9E000, 0x40000000, "BYTE_ACCESSIBLE"},
			{0x3FF9E000, 0x40072000, "MEM_INTERNAL"},
			{0x3FFB0000, 0x40000000, "DRAM"},
			{0x40000000, 0x4001A100, "IROM_MASK"},
			{0x40020000, 0x40070000, "IRAM"},
			{0x40070000, 0x40072000, "RTC_IRAM"},
			{0x40080000, 0x40800000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		Name:     "ESP32-S3",
		Family:   FamilyESP32S3,
		Identify: IdentifyByMagic,
		Magic:    []uint32{0x00000009},
		ChipID:   9,

		RegSPIBase:      0x60002000,
		RegEfuseBase:    0x60007000 + 0x44,
		RegRTCCntlBase:  0x60008000,
		RegUARTClkDiv:   0x60000014,
		RegUARTDate:     0x60000080,
		RegUARTDevBufNo: 0x3FCEF14C,

		SPI: spiRegsV2,

		RAMBlock:               ramBlockSize,
		USBRAMBlock:            0x800,
		FlashWriteSize:         romFlashWriteSize,
		StubFlashWriteSize:     stubFlashWriteSize,
		ROMStatusLen:           4,
		FlashSizes:             detectedFlashSizes,
		BootloaderOffset:       0x0,
		SupportsEncryptedFlash: true,
		UARTNoUSBOTG:           3,
		UARTNoUSBJTAG:          4,

		Watchdog: &WatchdogRegs{
			WDTConfig0:  0x60008000 + 0x98,
			WDTWProtect: 0x60008000 + 0xB0,
			WDTKey:      0x50D83AA1,
			SWDConf:     0x60008000 + 0xB4,
			SWDWProtect: 0x60008000 + 0xB8,
			SWDKey:      0x8F1D312A,
			SWDAutoFeed: 1 << 31,
		},

		MemoryMap: []MemoryRegion{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3C000000, 0x3D000000, "DROM"},
			{0x3D000000, 0x3E000000, "EXTRAM_DATA"},
			{0x600FE000, 0x60100000, "RTC_DRAM"},
			{0x3FC88000, 0x3FD00000, "BYTE_ACCESSIBLE"},
			{0x3FC88000, 0x403E2000, "MEM_INTERNAL"},
			{0x3FC88000, 0x3FD00000, "DRAM"},
			{0x40000000, 0x4001A100, "IROM_MASK"},
			{0x40370000, 0x403E0000, "IRAM"},
			{0x600FE000, 0x60100000, "RTC_IRAM"},
			{0x42000000, 0x42800000, "IROM"},
			{0x50000000, 0x50002000, "RTC_DATA"},
		},
	},
	{
		Name:     "ESP32-C3",
		Family:   FamilyESP32C3,
		Identify: IdentifyByMagic,
		Magic:    []uint32{0x6921506F, 0x1B31506F, 0x4881606F, 0x4361606F},
		ChipID:   5,

		RegSPIBase:      0x60002000,
		RegEfuseBase:    0x60008800,
		RegRTCCntlBase:  0x60008000,
		RegUARTClkDiv:   0x60000014,
		RegUARTDate:     0x6000007C,
		RegUARTDevBufNo: 0x3FCDF07C,

		SPI: spiRegsV2,

		RAMBlock:               ramBlockSize,
		FlashWriteSize:         romFlashWriteSize,
		StubFlashWriteSize:     stubFlashWriteSize,
		ROMStatusLen:           4,
		FlashSizes:             detectedFlashSizes,
		BootloaderOffset:       0x0,
		SupportsEncryptedFlash: true,
		UARTNoUSBJTAG:          3,

		Watchdog: &WatchdogRegs{
			WDTConfig0:  0x60008000 + 0x90,
			WDTWProtect: 0x60008000 + 0xA8,
			WDTKey:      0x50D83AA1,
			SWDConf:     0x60008000 + 0xAC,
			SWDWProtect: 0x60008000 + 0xB0,
			SWDKey:      0x8F1D312A,
			SWDAutoFeed: 1 << 31,
		},

		MemoryMap: []MemoryRegion{
			{0x00000000, 0x00010000, "PADDING"},
			{0x3C000000, 0x3C800000, "DROM"},
			{0x3FC80000, 0x3FCE0000, "DRAM"},
			{0x3FC88000, 0x3FD00000, "BYTE_ACCESSIBLE"},
			{0x3FF00000, 0x3FF20000, "DROM_MASK"},
			{0x40000000, 0x40060000, "IROM_MASK"},
			{0x42000000, 0x42800000, "IROM"},
			{0x4037C000, 0x403E0000, "IRAM"},
			{0x50000000, 0x50002000, "RTC_IRAM"},
			{0x50000000, 0x50002000, "RTC_DRAM"},
			{0x600FE000, 0x60100000, "MEM_INTERNAL2"},
		},
	},
	{
		Name:     "ESP32-C6",
		Family:   FamilyESP32C6,
		Identify: IdentifyByChipID,
		ChipID:   13,

		RegSPIBase:      0x60003000,
		RegEfuseBase:    0x600B0800,
		RegRTCCntlBase:  0x600B1C00,
		RegUARTClkDiv:   0x60000014,
		RegUARTDate:     0x6000007C,
		RegUARTDevBufNo: 0x4087F580,

		SPI: spiRegsV2,

		RAMBlock:               ramBlockSize,
		FlashWriteSize:         romFlashWriteSize,
		StubFlashWriteSize:     stubFlashWriteSize,
		ROMStatusLen:           4,
		FlashSizes:             detectedFlashSizes,
		BootloaderOffset:       0x0,
		SupportsEncryptedFlash: true,
		UARTNoUSBJTAG:          3,

		Watchdog: &WatchdogRegs{
			WDTConfig0:  0x600B1C00 + 0x00,
			WDTWProtect: 0x600B1C00 + 0x18,
			WDTKey:      0x50D83AA1,
			SWDConf:     0x600B1C00 + 0x1C,
			SWDWProtect: 0x600B1C00 + 0x20,
			SWDKey:      0x50D83AA1,
			SWDAutoFeed: 1 << 18,
		},

		MemoryMap: []MemoryRegion{
			{0x00000000, 0x00010000, "PADDING"},
			{0x42800000, 0x43000000, "DROM"},
			{0x40800000, 0x40880000, "DRAM"},
			{0x40800000, 0x40880000, "BYTE_ACCESSIBLE"},
			{0x4004AC00, 0x40050000, "DROM_MASK"},
			{0x40000000, 0x4004AC00, "IROM_MASK"},
			{0x42000000, 0x42800000, "IROM"},
			{0x40800000, 0x40880000, "IRAM"},
			{0x50000000, 0x50004000, "RTC_IRAM"},
			{0x50000000, 0x50004000, "RTC_DRAM"},
			{0x600FE000, 0x60100000, "MEM_INTERNAL2"},
		},
	},
}
