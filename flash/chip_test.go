package flash

import "testing"

func TestLookupByMagic(t *testing.T) {
	tests := []struct {
		magic uint32
		name  string
	}{
		{0x00F01D83, "ESP32"},
		{0x000007C6, "ESP32-S2"},
		{0x00000009, "ESP32-S3"},
		{0x6921506F, "ESP32-C3"},
		{0x1B31506F, "ESP32-C3"},
		{0x4881606F, "ESP32-C3"},
		{0x4361606F, "ESP32-C3"},
	}

	for _, tt := range tests {
		d, ok := lookupByMagic(tt.magic)
		if !ok || d.Name != tt.name {
			t.Errorf("magic 0x%08x = %q, %t, want %q", tt.magic, d.Name, ok, tt.name)
		}
	}

	if _, ok := lookupByMagic(0x2CE0806F); ok {
		t.Error("unknown magic matched")
	}
}

func TestLookupByChipID(t *testing.T) {
	d, ok := lookupByChipID(13)
	if !ok || d.Family != FamilyESP32C6 {
		t.Errorf("chip id 13 = %q, %t", d.Name, ok)
	}

	// chips identified by magic are never matched by id
	if _, ok := lookupByChipID(9); ok {
		t.Error("magic identified chip matched by chip id")
	}
}

func TestCanonicalName(t *testing.T) {
	tests := map[string]string{
		"ESP32":          "esp32",
		"ESP32-S3":       "esp32s3",
		"ESP32-C3":       "esp32c3",
		"ESP32-H2(beta)": "esp32h2beta",
	}
	for name, want := range tests {
		d := Descriptor{Name: name}
		if got := d.CanonicalName(); got != want {
			t.Errorf("%s = %s, want %s", name, got, want)
		}
	}
}

func TestDescriptorModes(t *testing.T) {
	d, _ := lookupByMagic(0x00F01D83)

	if d.StatusLen(false) != 4 || d.StatusLen(true) != 2 {
		t.Errorf("status len = %d/%d", d.StatusLen(false), d.StatusLen(true))
	}
	if d.WriteSize(false) != romFlashWriteSize || d.WriteSize(true) != stubFlashWriteSize {
		t.Errorf("write size = 0x%x/0x%x", d.WriteSize(false), d.WriteSize(true))
	}

	if size, ok := d.FlashSizeFromID(0x1640EF); !ok || size != 4<<20 {
		t.Errorf("flash size = %d, %t", size, ok)
	}
	if _, ok := d.FlashSizeFromID(0xFF40EF); ok {
		t.Error("unknown capacity matched")
	}

	if r, ok := d.Region(0x40080400); !ok || r.Tag != "IRAM" {
		t.Errorf("region = %+v, %t", r, ok)
	}
}

func TestDescriptorTable(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range Descriptors() {
		if seen[d.Name] {
			t.Errorf("%s listed twice", d.Name)
		}
		seen[d.Name] = true

		if d.RAMBlock == 0 || d.FlashWriteSize == 0 || d.RegSPIBase == 0 {
			t.Errorf("%s is missing sizes or registers", d.Name)
		}
		if d.Identify == IdentifyByMagic && len(d.Magic) == 0 {
			t.Errorf("%s has no magic", d.Name)
		}
		// peripheral registers live in one address window per chip
		if d.RegSysconBase != 0 && d.RegSysconBase>>24 != d.RegSPIBase>>24 {
			t.Errorf("%s syscon 0x%08x is outside its peripheral window", d.Name, d.RegSysconBase)
		}
		if d.UARTNoUSBOTG != 0 && d.USBRAMBlock == 0 {
			t.Errorf("%s supports usb-otg without a ram block size", d.Name)
		}
	}
}
