package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/synthread/go-espflash/flash"
	"github.com/synthread/go-espflash/partition"
)

func parseUint32(name, s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return uint32(v)
}

func processChip(ctx context.Context, link *flash.Link, args []string) {
	d, ok := link.Device()
	if !ok {
		log.Fatal("no chip detected")
	}
	log.Infof("chip: %s", d.Name)

	info, err := link.SecurityInfo(ctx)
	if err != nil {
		log.Warnf("failed to read security info: %v", err)
		return
	}
	log.Infof("security info: %+v", *info)
}

func processFlashID(ctx context.Context, link *flash.Link, args []string) {
	id, err := link.FlashID(ctx)
	if err != nil {
		log.Fatalf("failed to read flash id: %v", err)
	}
	size, err := link.FlashSize(ctx)
	if err != nil {
		log.Fatalf("failed to read flash size: %v", err)
	}
	log.Infof("manufacturer: 0x%02x, device: 0x%04x, size: %dMB", id&0xFF, id>>8&0xFFFF, size>>20)
}

func processReadReg(ctx context.Context, link *flash.Link, args []string) {
	if len(args) != 1 {
		log.Fatal("expected: addr")
	}
	addr := parseUint32("address", args[0])

	v, err := link.ReadRegister(ctx, addr)
	if err != nil {
		log.Fatalf("failed to read register: %v", err)
	}
	fmt.Printf("0x%08x = 0x%08x\n", addr, v)
}

func processWriteReg(ctx context.Context, link *flash.Link, args []string) {
	if len(args) < 2 || len(args) > 3 {
		log.Fatal("expected: addr value [mask]")
	}
	addr := parseUint32("address", args[0])
	value := parseUint32("value", args[1])
	mask := uint32(0xFFFFFFFF)
	if len(args) == 3 {
		mask = parseUint32("mask", args[2])
	}

	if err := link.WriteRegister(ctx, addr, value, mask, 0, 0); err != nil {
		log.Fatalf("failed to write register: %v", err)
	}
}

func processErase(ctx context.Context, link *flash.Link, args []string) {
	var err error
	switch len(args) {
	case 0:
		err = link.EraseFlash(ctx)
	case 2:
		err = link.EraseRegion(ctx, parseUint32("offset", args[0]), parseUint32("size", args[1]))
	default:
		log.Fatal("expected: [offset size]")
	}
	if err != nil {
		log.Fatalf("failed to erase: %v", err)
	}
}

func processReset(ctx context.Context, link *flash.Link, args []string) {
	if err := link.Reset(ctx); err != nil {
		log.Fatalf("failed to reset: %v", err)
	}
}

func processFlash(ctx context.Context, link *flash.Link, args []string) {
	if len(args) != 2 {
		log.Fatal("expected: offset file")
	}

	opts := flashOptions()
	opts.Offset = parseUint32("offset", args[0])
	opts.Finalize = true

	if err := link.FlashFile(ctx, args[1], opts); err != nil {
		log.Fatalf("failed to flash: %v", err)
	}
}

func processMD5(ctx context.Context, link *flash.Link, args []string) {
	if len(args) != 2 {
		log.Fatal("expected: offset size")
	}

	sum, err := link.FlashMD5(ctx, parseUint32("offset", args[0]), parseUint32("size", args[1]))
	if err != nil {
		log.Fatalf("failed to read md5: %v", err)
	}
	fmt.Printf("%x\n", sum)
}

// processPartition compiles a CSV partition table without a device
func processPartition(ctx context.Context, link *flash.Link, args []string) {
	if len(args) != 2 {
		log.Fatal("expected: table.csv table.bin")
	}

	in, err := os.Open(args[0])
	if err != nil {
		log.Fatal(err)
	}
	defer in.Close()

	entries, err := partition.Parse(in)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		fmt.Println(e)
	}

	bs, err := partition.Marshal(entries)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(args[1], bs, 0644); err != nil {
		log.Fatal(err)
	}
}
