package flash

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/synthread/go-espflash/firmware"
	"github.com/synthread/go-espflash/partition"
)

func randomImage(n int) []byte {
	bs := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(bs)
	return bs
}

func TestFlashImagePlain(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	img := randomImage(0x500)
	var progress []int
	opts := FlashOptions{
		Offset:   0x10000,
		Finalize: true,
		Verify:   true,
		Progress: func(phase string, percent int) { progress = append(progress, percent) },
	}

	if err := l.FlashImage(context.Background(), bytes.NewReader(img), opts); err != nil {
		t.Fatal(err)
	}

	if attach := d.ops(0x0D); len(attach) != 1 || len(attach[0].data) != 8 {
		t.Errorf("spi attach = %v", attach)
	}
	if params := d.ops(0x0B); len(params) != 1 || params[0].word(1) != 4<<20 {
		t.Errorf("spi params = %v", params)
	}

	begin := d.ops(0x02)
	if len(begin) != 1 {
		t.Fatalf("sent %d FLASH_BEGIN", len(begin))
	}
	if b := begin[0]; len(b.data) != 16 || b.word(0) != 0x500 || b.word(1) != 2 || b.word(2) != romFlashWriteSize || b.word(3) != 0x10000 {
		t.Errorf("flash begin = %x", b.data)
	}

	blocks := d.ops(0x03)
	if len(blocks) != 2 {
		t.Fatalf("sent %d FLASH_DATA, want 2", len(blocks))
	}
	for i, b := range blocks {
		if b.word(0) != romFlashWriteSize || b.word(1) != uint32(i) {
			t.Errorf("block %d header = %x", i, b.data[:16])
		}
		if b.chk != checksum(b.data[16:]) {
			t.Errorf("block %d checksum = 0x%x", i, b.chk)
		}
	}
	if tail := blocks[1].data[16+0x100:]; !bytes.Equal(tail, bytes.Repeat([]byte{0xFF}, len(tail))) {
		t.Error("last block is not padded with 0xFF")
	}

	if end := d.ops(0x04); len(end) != 1 || end[0].word(0) != 1 {
		t.Errorf("flash end = %v", end)
	}
	if len(d.ops(0x13)) != 1 {
		t.Error("image was not verified")
	}

	want := []int{0, 50, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress = %v, want %v", progress, want)
		}
	}

	if err := l.FlashImage(context.Background(), bytes.NewReader(img), FlashOptions{Offset: 0x20000}); err != nil {
		t.Fatal(err)
	}
	if n := len(d.ops(0x0D)); n != 1 {
		t.Errorf("spi attached %d times in one session", n)
	}
}

func TestFlashImageCompressed(t *testing.T) {
	tests := []struct {
		name      string
		stub      bool
		size      int
		blockSize uint32
		writeSize uint32
	}{
		{"rom", false, 0x500, romFlashWriteSize, 0x800},
		{"stub", true, 0x9000, stubFlashWriteSize, 0x9000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeESP32()
			d.stub = tt.stub
			l, _ := connectedLink(t, d)

			img := bytes.Repeat([]byte("esp flash image "), tt.size/16)
			opts := FlashOptions{Offset: 0x10000, Compress: true, Finalize: true, Reboot: true}
			if err := l.FlashImage(context.Background(), bytes.NewReader(img), opts); err != nil {
				t.Fatal(err)
			}

			begin := d.ops(0x10)
			if len(begin) != 1 {
				t.Fatalf("sent %d FLASH_DEFL_BEGIN", len(begin))
			}
			if b := begin[0]; b.word(0) != tt.writeSize || b.word(2) != tt.blockSize || b.word(3) != 0x10000 {
				t.Errorf("deflate begin = %x", b.data)
			}

			var comp []byte
			for i, b := range d.ops(0x11) {
				if b.word(1) != uint32(i) {
					t.Errorf("block %d has seq %d", i, b.word(1))
				}
				comp = append(comp, b.data[16:]...)
			}
			zr, err := zlib.NewReader(bytes.NewReader(comp))
			if err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(zr)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, img) {
				t.Error("inflated data differs from the image")
			}

			if end := d.ops(0x12); len(end) != 1 || end[0].word(0) != 0 {
				t.Errorf("deflate end = %v", end)
			}
		})
	}
}

func TestFlashBlockRetry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		ok       bool
	}{
		{"recovers", 2, true},
		{"gives up", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeESP32()
			l, hook := connectedLink(t, d)

			failures := tt.failures
			d.intercept = func(d *fakeDevice, r request) bool {
				if r.op != 0x03 || r.word(1) != 1 || failures == 0 {
					return false
				}
				failures--
				d.reply(r.op, 0, nil, 1, 0x07)
				return true
			}

			err := l.FlashImage(context.Background(), bytes.NewReader(randomImage(0x800)), FlashOptions{Offset: 0x10000})
			if tt.ok && err != nil {
				t.Fatal(err)
			}
			if !tt.ok {
				var serr *StatusError
				if !errors.As(err, &serr) {
					t.Fatalf("err = %v, want *StatusError", err)
				}
			}

			if n := countWarnings(hook, "block 2/2"); n != tt.failures {
				t.Errorf("logged %d retries, want %d", n, tt.failures)
			}
			if n := len(d.ops(0x03)); n != 1+min(tt.failures+1, DefaultAttempts) {
				t.Errorf("sent %d blocks", n)
			}
		})
	}
}

func TestFlashCorruptReply(t *testing.T) {
	d := newFakeESP32()
	l, hook := connectedLink(t, d)

	corrupt := true
	d.intercept = func(d *fakeDevice, r request) bool {
		if r.op != 0x03 || !corrupt {
			return false
		}
		corrupt = false
		d.rx = append(d.rx, 0xC0, 0x01, 0x03, 0xDB, 0x02, 0x00, 0x00, 0xC0)
		return true
	}

	img := randomImage(0x800)
	if err := l.FlashImage(context.Background(), bytes.NewReader(img), FlashOptions{Offset: 0x10000, Attempts: 3}); err != nil {
		t.Fatal(err)
	}

	if n := countWarnings(hook, "block 1/2"); n != 1 {
		t.Errorf("logged %d retries, want 1", n)
	}
	if n := len(d.ops(0x03)); n != 3 {
		t.Errorf("sent %d blocks, want 3", n)
	}
	if !bytes.Equal(d.written, img) {
		t.Error("written data differs from the image")
	}
}

func TestFlashLateReply(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	// the first reply is cut short and its failing remainder only shows up
	// once the block has been sent again
	var late []byte
	sent := 0
	d.intercept = func(d *fakeDevice, r request) bool {
		if r.op != 0x03 || r.word(1) != 0 {
			return false
		}
		sent++
		switch sent {
		case 1:
			n := len(d.rx)
			d.reply(r.op, 0, nil, 1, 0x07)
			late = append(late, d.rx[n+5:]...)
			d.rx = d.rx[:n+5]
			return true
		case 2:
			d.rx = append(d.rx, late...)
		}
		return false
	}

	if err := l.FlashImage(context.Background(), bytes.NewReader(randomImage(0x800)), FlashOptions{Offset: 0x10000, Attempts: 2}); err != nil {
		t.Fatal(err)
	}
	if sent != 2 {
		t.Errorf("sent block 0 %d times, want 2", sent)
	}
}

func TestFlashCancel(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := FlashOptions{
		Offset: 0x10000,
		Progress: func(phase string, percent int) {
			if percent > 0 {
				cancel()
			}
		},
	}

	err := l.FlashImage(ctx, bytes.NewReader(randomImage(0x1000)), opts)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if n := len(d.ops(0x03)); n != 1 {
		t.Errorf("sent %d blocks after cancel", n)
	}
}

func TestFlashVerifyMismatch(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	d.intercept = func(d *fakeDevice, r request) bool {
		if r.op != 0x03 {
			return false
		}
		d.written = append(d.written, make([]byte, len(r.data)-16)...)
		d.ok(r.op)
		return true
	}

	err := l.FlashImage(context.Background(), bytes.NewReader(randomImage(0x400)), FlashOptions{Verify: true})
	if err == nil || !strings.Contains(err.Error(), "verify failed") {
		t.Errorf("err = %v, want a verify failure", err)
	}
}

func TestFlashMD5Stub(t *testing.T) {
	d := newFakeESP32()
	d.stub = true
	l, _ := connectedLink(t, d)

	if err := l.FlashImage(context.Background(), bytes.NewReader(randomImage(0x4000)), FlashOptions{Verify: true}); err != nil {
		t.Fatal(err)
	}
}

func TestErase(t *testing.T) {
	ctx := context.Background()

	rom := newFakeESP32()
	l, _ := connectedLink(t, rom)
	if err := l.EraseFlash(ctx); !errors.Is(err, ErrStubRequired) {
		t.Errorf("rom erase = %v, want ErrStubRequired", err)
	}
	if err := l.EraseRegion(ctx, 0, 0x1000); !errors.Is(err, ErrStubRequired) {
		t.Errorf("rom erase region = %v, want ErrStubRequired", err)
	}

	stub := newFakeESP32()
	stub.stub = true
	l, _ = connectedLink(t, stub)

	if err := l.EraseFlash(ctx); err != nil {
		t.Fatal(err)
	}
	if len(stub.ops(0xD0)) != 1 {
		t.Error("erase flash not sent")
	}

	if err := l.EraseRegion(ctx, 0x9000, 0x6000); err != nil {
		t.Fatal(err)
	}
	if r := stub.ops(0xD1); len(r) != 1 || r[0].word(0) != 0x9000 || r[0].word(1) != 0x6000 {
		t.Errorf("erase region = %v", r)
	}

	if err := l.EraseRegion(ctx, 0x9100, 0x1000); err == nil {
		t.Error("unaligned erase accepted")
	}
}

func TestFlashID(t *testing.T) {
	d := newFakeESP32()
	d.flashID = 0x1840EF
	l, _ := connectedLink(t, d)

	id, err := l.FlashID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x1840EF {
		t.Errorf("flash id = 0x%06x", id)
	}

	size, err := l.FlashSize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != 16<<20 {
		t.Errorf("flash size = %d", size)
	}

	// the user command registers are restored
	var rdid bool
	for _, w := range d.writes {
		if w.addr == 0x3FF42000+0x24 && w.value == 7<<28|0x9F {
			rdid = true
		}
	}
	if !rdid {
		t.Error("RDID command not written to USR2")
	}
	if d.regs[0x3FF42000+0x1C] != 0 || d.regs[0x3FF42000+0x24] != 0 {
		t.Error("user registers not restored")
	}
}

func TestFlashSizeFallback(t *testing.T) {
	d := newFakeESP32()
	d.flashID = 0xFFFFFF
	l, hook := connectedLink(t, d)

	size, err := l.FlashSize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if size != defaultFlashSize {
		t.Errorf("size = %d, want %d", size, defaultFlashSize)
	}
	if countWarnings(hook, "unknown flash id") == 0 {
		t.Error("fallback not logged")
	}
}

func TestFlashPartitionTable(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	csv := "nvs,data,nvs,0x9000,0x6000\napp,app,factory,,0x100000\n"
	if err := l.FlashPartitionTable(context.Background(), strings.NewReader(csv), FlashOptions{}); err != nil {
		t.Fatal(err)
	}

	begin := d.ops(0x02)
	if len(begin) != 1 || begin[0].word(0) != partition.TableSize || begin[0].word(3) != partition.DefaultTableOffset {
		t.Fatalf("flash begin = %v", begin)
	}

	entries, err := partition.Unmarshal(d.written[:partition.TableSize])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Offset != 0x10000 {
		t.Errorf("entries = %v", entries)
	}
}

func TestFlashFileHex(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	path := filepath.Join(t.TempDir(), "app.hex")
	hex := ":0400000001020304F2\n:02001000AABB89\n:00000001FF\n"
	if err := os.WriteFile(path, []byte(hex), 0644); err != nil {
		t.Fatal(err)
	}

	if err := l.FlashFile(context.Background(), path, FlashOptions{Offset: 0x10000}); err != nil {
		t.Fatal(err)
	}

	offsets := map[uint32]uint32{}
	for _, b := range d.ops(0x02) {
		offsets[b.word(3)] = b.word(0)
	}
	if len(offsets) != 2 || offsets[0x10000] != 4 || offsets[0x10010] != 2 {
		t.Errorf("flashed segments = %v", offsets)
	}
}

func TestFlashBundle(t *testing.T) {
	d := newFakeESP32()
	l, _ := connectedLink(t, d)

	bundle := &firmware.Bundle{
		Images: []firmware.Image{
			{Name: "partition table", Offset: 0x8000, Data: randomImage(0xC00)},
			{Name: "bootloader", Offset: 0x1000, Data: randomImage(0x300)},
			{Name: "firmware", Offset: 0x10000, Data: randomImage(0x900)},
		},
	}

	var phases []string
	opts := FlashOptions{
		Compress: true,
		Finalize: true,
		Progress: func(phase string, percent int) {
			if percent == 0 {
				phases = append(phases, phase)
			}
		},
	}
	if err := l.FlashBundle(context.Background(), bundle, opts); err != nil {
		t.Fatal(err)
	}

	begins := d.ops(0x10)
	if len(begins) != 3 {
		t.Fatalf("sent %d FLASH_DEFL_BEGIN", len(begins))
	}
	for i, img := range bundle.Images {
		if begins[i].word(3) != img.Offset {
			t.Errorf("image %d written at 0x%x, want 0x%x", i, begins[i].word(3), img.Offset)
		}
		if phases[i] != img.Name {
			t.Errorf("phase %d = %q, want %q", i, phases[i], img.Name)
		}
	}
	if len(d.ops(0x12)) != 0 {
		t.Error("bundle finalized before reset")
	}
}
