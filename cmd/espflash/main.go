package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/synthread/go-espflash/firmware"
	"github.com/synthread/go-espflash/flash"
)

type command struct {
	// connect is false for commands that work offline
	connect bool
	run     func(ctx context.Context, link *flash.Link, args []string)
}

var commands = map[string]command{
	"chip":      {true, processChip},
	"flashid":   {true, processFlashID},
	"readreg":   {true, processReadReg},
	"writereg":  {true, processWriteReg},
	"erase":     {true, processErase},
	"reset":     {false, processReset},
	"flash":     {true, processFlash},
	"md5":       {true, processMD5},
	"partition": {false, processPartition},
}

var (
	compress *bool
	verify   *bool
	noStub   *bool
)

func main() {
	port := flag.String("port", flash.DefaultTTY, "Serial port name.")
	baud := flag.Int("baud", 921600, "Baud rate used once connected.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	noReset := flag.Bool("no-reset", false, "Expect the chip to already be in its bootloader.")
	usbReset := flag.Bool("usb-reset", false, "Use the USB-Serial-JTAG reset sequence.")
	noStub = flag.Bool("no-stub", false, "Talk to the ROM bootloader instead of uploading the stub.")
	compress = flag.Bool("compress", true, "Send images compressed.")
	verify = flag.Bool("verify", false, "Check the MD5 of written images.")
	stubs := flag.String("stubs", "stubs", "Directory holding <chip>.json stub images.")
	boards := flag.String("boards", "boards.yaml", "Board profile file.")
	board := flag.String("board", "", "Board slug to flash.")
	firmwareDir := flag.String("firmware", "firmware", "Directory holding a <board>/ directory of images per board.")
	bootGPIO := flag.Int("boot-gpio", 0, "Host GPIO driving the boot select line.")
	resetGPIO := flag.Int("reset-gpio", 0, "Host GPIO driving the reset line.")

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	cmdName := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Without a command the board bundle is flashed.", cmdList))

	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := flash.ModeDefault
	switch {
	case *noReset:
		mode = flash.ModeNoReset
	case *usbReset:
		mode = flash.ModeUSBReset
	}

	link, err := flash.NewLink(&flash.Config{
		TTY:       *port,
		BaudRate:  *baud,
		BootGPIO:  *bootGPIO,
		ResetGPIO: *resetGPIO,
		Logger:    log.StandardLogger(),
		Stubs:     flash.NewStubSource(os.DirFS(*stubs)),
	})
	if err != nil {
		log.Fatalf("failed to initialise link: %v", err)
	}

	if *cmdName != "" {
		c, ok := commands[*cmdName]
		if !ok {
			log.Fatalf("invalid command %v", *cmdName)
		}
		if c.connect {
			connect(ctx, link, mode)
			defer link.Close()
		}
		c.run(ctx, link, flag.Args())
		return
	}

	if *board == "" {
		log.Fatal("must specify a board or a command")
	}

	f, err := os.Open(*boards)
	if err != nil {
		log.Fatalf("failed to open board file: %v", err)
	}
	profiles, err := firmware.LoadBoards(f)
	f.Close()
	if err != nil {
		log.Fatal(err)
	}

	b, err := firmware.FindBoard(profiles, *board)
	if err != nil {
		log.Fatal(err)
	}

	bundle, err := firmware.Open(os.DirFS(*firmwareDir), b)
	if err != nil {
		log.Fatalf("failed to load firmware: %v", err)
	}

	connect(ctx, link, mode)
	defer link.Close()

	log.Infof("flashing %s", b.Name)
	if err := link.FlashBundle(ctx, bundle, flashOptions()); err != nil {
		log.Fatal(err)
	}

	if err := link.Reset(ctx); err != nil {
		log.Fatalf("failed to reset: %v", err)
	}
	log.Info("done")
}

func connect(ctx context.Context, link *flash.Link, mode flash.ConnectMode) {
	log.Infof("connecting to %s...", link.TTY())
	if err := link.Connect(ctx, mode, 0); err != nil {
		log.Fatal(err)
	}

	if d, ok := link.Device(); ok {
		log.Infof("connected to %s", d.Name)
	}

	if *noStub || link.IsStub() {
		return
	}
	if err := link.RunStub(ctx); err != nil {
		log.Fatalf("failed to run stub: %v", err)
	}
}

// flashOptions builds the options shared by every write, with one progress
// bar per phase
func flashOptions() flash.FlashOptions {
	var bar *progressbar.ProgressBar
	var current string

	return flash.FlashOptions{
		Compress: *compress,
		Verify:   *verify,
		Progress: func(phase string, percent int) {
			if bar == nil || phase != current {
				current = phase
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetDescription(phase),
					progressbar.OptionOnCompletion(func() { fmt.Println() }),
				)
			}
			bar.Set(percent)
		},
	}
}
