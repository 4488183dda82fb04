package flash

import (
	"bytes"
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// ConnectMode selects which steps Connect performs
type ConnectMode int

const (
	ModeDefault ConnectMode = iota
	// ModeNoReset syncs with a chip that is already in its bootloader
	ModeNoReset
	// ModeNoSync resets the chip but assumes the bootloader is answering
	ModeNoSync
	// ModeNoResetNoSync only opens the port
	ModeNoResetNoSync
	// ModeUSBReset forces the USB-Serial-JTAG reset sequence
	ModeUSBReset
)

const (
	syncAttempts = 5
	syncReplies  = 8
	syncTimeout  = 100 * time.Millisecond

	bannerIdle = 100 * time.Millisecond
	bannerMax  = 4096
)

var syncPayload = append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

var bootBanner = regexp.MustCompile(`(?s)boot:0x([0-9a-fA-F]+)(.*waiting for download)?`)

// Connect will reset the chip into its bootloader, sync with it and identify
// it. Each attempt uses the next reset strategy. On failure the port is closed
// and a *ConnectError is returned.
func (l *Link) Connect(ctx context.Context, mode ConnectMode, attempts int) error {
	strategies := l.connectStrategies(mode)
	if attempts < len(strategies) {
		attempts = len(strategies)
	}

	l.bootLogSeen = false
	l.downloadMode = false

	var lastErr error
	for i := 0; i < attempts; i++ {
		s := strategies[i%len(strategies)]

		err := l.connectAttempt(ctx, mode, s)
		if err == nil {
			break
		}
		lastErr = err

		if ctx.Err() != nil {
			l.Close()
			return ctx.Err()
		}

		l.log.Warnf("connect attempt %d/%d failed: %v", i+1, attempts, err)
	}

	if !l.inBootloader {
		l.Close()
		return &ConnectError{
			BootLogSeen:  l.bootLogSeen,
			DownloadMode: l.downloadMode,
			Err:          lastErr,
		}
	}

	if l.device != nil && l.config.BaudRate != l.baud {
		if err := l.SetBaudRate(ctx, l.config.BaudRate); err != nil {
			l.Close()
			return err
		}
	}

	return nil
}

func (l *Link) connectAttempt(ctx context.Context, mode ConnectMode, s ResetStrategy) error {
	l.inBootloader = false
	l.device = nil
	l.stub = false
	l.spiAttached = false

	if err := l.tr.Open(); err != nil {
		return err
	}
	if err := l.tr.Discard(); err != nil {
		return err
	}
	l.dec.Reset()

	if mode == ModeNoResetNoSync {
		l.inBootloader = true
		l.setState(StateBound)
		return nil
	}

	if mode != ModeNoReset {
		l.setState(StateResetting)
		ok, err := s.Apply(ctx, l.tr)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("could not apply %s", s)
		}
		if err := l.readBanner(ctx); err != nil {
			return err
		}
	}

	stub := false
	if mode != ModeNoSync {
		l.setState(StateHandshaking)
		var err error
		if stub, err = l.sync(ctx); err != nil {
			return err
		}
	}

	l.setState(StateIdentifying)
	l.inBootloader = true
	l.stub = stub

	if err := l.identify(ctx); err != nil {
		l.inBootloader = false
		return err
	}

	if stub {
		l.log.Info("stub already running")
		l.setState(StateStubActive)
		return nil
	}

	if err := l.postConnect(ctx); err != nil {
		l.inBootloader = false
		return err
	}

	l.setState(StateBound)
	return nil
}

// readBanner collects what the ROM prints after a reset until the line goes
// idle and records whether it reported download mode
func (l *Link) readBanner(ctx context.Context) error {
	var buf []byte
	for len(buf) < bannerMax {
		b, err := l.tr.ReadByte(ctx, bannerIdle)
		if errors.Is(err, ErrTimeout) {
			break
		}
		if err != nil {
			return err
		}
		buf = append(buf, b)
	}

	if len(buf) == 0 {
		return nil
	}
	l.log.WithField("source", "device").Debugf("boot banner: %q", buf)

	m := bootBanner.FindSubmatch(buf)
	if m == nil {
		return nil
	}
	l.bootLogSeen = true
	if len(m[2]) > 0 {
		l.downloadMode = true
	}
	l.log.Debugf("boot mode 0x%s, download mode %t", m[1], len(m[2]) > 0)

	return nil
}

// sync will send the sync command until the ROM answers all of its replies. It
// reports whether every reply carried a zero value, which means the flasher
// stub is already running.
func (l *Link) sync(ctx context.Context) (bool, error) {
	op := l.opcode(CommandCodeSync)

	var lastErr error
	for i := 0; i < syncAttempts; i++ {
		stub, err := l.syncOnce(ctx, op)
		if err == nil {
			l.log.Debugf("synced after %d attempts", i+1)
			return stub, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		l.log.Warnf("sync attempt %d failed: %v", i+1, err)

		if err := l.tr.Discard(); err != nil {
			return false, err
		}
		l.dec.Reset()
	}

	return false, errors.Wrap(lastErr, "no sync reply")
}

func (l *Link) syncOnce(ctx context.Context, op byte) (bool, error) {
	value, _, err := l.command(ctx, CommandCodeSync, syncPayload, 0, syncTimeout)
	if err != nil {
		return false, err
	}

	stub := value == 0
	for i := 1; i < syncReplies; i++ {
		value, _, err = l.response(ctx, op, syncTimeout)
		if err != nil {
			return false, err
		}
		if value != 0 {
			stub = false
		}
	}

	return stub, nil
}

// identify will bind the descriptor of the connected chip
func (l *Link) identify(ctx context.Context) error {
	magic, err := l.readReg(ctx, chipDetectMagicReg)
	if err != nil {
		return errors.Wrap(err, "could not read chip magic")
	}
	if d, ok := lookupByMagic(magic); ok {
		l.bind(d)
		return nil
	}

	info, err := l.securityInfo(ctx)
	if err != nil {
		l.log.Debugf("no security info: %v", err)
		return errors.Wrapf(ErrUnsupportedChip, "magic 0x%08x", magic)
	}
	if info.HasChipID {
		if d, ok := lookupByChipID(info.ChipID); ok {
			l.bind(d)
			return nil
		}
	}

	return errors.Wrapf(ErrUnsupportedChip, "magic 0x%08x, chip id %d", magic, info.ChipID)
}

func (l *Link) bind(d Descriptor) {
	l.device = &d
	l.log.Infof("detected %s", d.Name)
}

// postConnect will adapt the bound descriptor to the UART path the ROM is
// talking over. Only the ROM needs this, a running stub has already done it.
func (l *Link) postConnect(ctx context.Context) error {
	d := *l.device
	if d.RegUARTDevBufNo == 0 {
		return nil
	}

	v, err := l.readReg(ctx, d.RegUARTDevBufNo)
	if err != nil {
		return errors.Wrap(err, "could not read uart selector")
	}
	uartNo := v & 0xFF

	switch {
	case d.UARTNoUSBOTG != 0 && uartNo == d.UARTNoUSBOTG:
		l.log.Debug("rom is using usb-otg")
		d.RAMBlock = d.USBRAMBlock

	case d.UARTNoUSBJTAG != 0 && uartNo == d.UARTNoUSBJTAG:
		l.log.Debug("rom is using usb-serial-jtag")
		l.serialType = SerialUSBJTAG
		if d.Watchdog != nil {
			if err := l.disableWatchdogs(ctx, d.Watchdog); err != nil {
				return err
			}
		}
	}

	l.device = &d
	return nil
}

// disableWatchdogs will stop the RTC watchdog and let the super watchdog feed
// itself, otherwise the chip resets while idle on USB-Serial-JTAG
func (l *Link) disableWatchdogs(ctx context.Context, w *WatchdogRegs) error {
	writes := []struct{ addr, value uint32 }{
		{w.WDTWProtect, w.WDTKey},
		{w.WDTConfig0, 0},
		{w.WDTWProtect, 0},
		{w.SWDWProtect, w.SWDKey},
	}
	for _, wr := range writes {
		if err := l.writeReg(ctx, wr.addr, wr.value, 0xFFFFFFFF, 0, 0); err != nil {
			return errors.Wrap(err, "could not disable watchdog")
		}
	}

	conf, err := l.readReg(ctx, w.SWDConf)
	if err != nil {
		return errors.Wrap(err, "could not read swd config")
	}
	if err := l.writeReg(ctx, w.SWDConf, conf|w.SWDAutoFeed, 0xFFFFFFFF, 0, 0); err != nil {
		return errors.Wrap(err, "could not enable swd auto feed")
	}
	if err := l.writeReg(ctx, w.SWDWProtect, 0, 0xFFFFFFFF, 0, 0); err != nil {
		return errors.Wrap(err, "could not lock swd")
	}

	l.log.Debug("watchdogs disabled")
	return nil
}
