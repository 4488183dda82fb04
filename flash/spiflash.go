package flash

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

const (
	spiUsrCommand = 1 << 31
	spiUsrMISO    = 1 << 28
	spiUsrMOSI    = 1 << 27
	spiCmdUsr     = 1 << 18

	spiUsr2CommandLenShift = 28

	spiFlashRDID = 0x9F

	defaultFlashSize = 4 << 20

	eraseTimeoutPerMB = 30 * time.Second
	minEraseTimeout   = 3 * time.Second
	eraseFlashTimeout = 120 * time.Second
	md5TimeoutPerMB   = 8 * time.Second
)

// spiAttach will attach the SPI flash and tell the loader its geometry. It is
// done once per session.
func (l *Link) spiAttach(ctx context.Context) error {
	if l.spiAttached {
		return nil
	}

	arg := packUint32s(0, 0)
	if l.stub {
		arg = packUint32s(0)
	}
	if _, _, err := l.checkCommand(ctx, "attach spi flash", CommandCodeSPIAttach, arg, 0, 0); err != nil {
		return err
	}

	size, err := l.flashSize(ctx)
	if err != nil {
		return err
	}

	params := packUint32s(0, size, 0x10000, flashSectorSize, 0x100, 0xFFFF)
	if _, _, err := l.checkCommand(ctx, "set spi params", CommandCodeSPISetParams, params, 0, 0); err != nil {
		return err
	}

	l.spiAttached = true
	return nil
}

// runSPIFlashCommand will run a command on the SPI flash through the user
// command registers and return up to 32 bits it replied with
func (l *Link) runSPIFlashCommand(ctx context.Context, cmd uint8, data []byte, readBits uint32) (uint32, error) {
	d := l.device
	regUSR := d.spiReg(d.SPI.USR)
	regUSR2 := d.spiReg(d.SPI.USR2)
	regW0 := d.spiReg(d.SPI.W0)
	regCMD := d.spiReg(0)

	if len(data) > 64 {
		return 0, errors.Errorf("spi command data is %d bytes, at most 64 are supported", len(data))
	}
	dataBits := uint32(len(data)) * 8

	flags := uint32(spiUsrCommand)
	if readBits > 0 {
		flags |= spiUsrMISO
	}
	if dataBits > 0 {
		flags |= spiUsrMOSI
	}

	setLen := func(reg, bits uint32) error {
		if bits == 0 {
			return nil
		}
		return l.writeReg(ctx, d.spiReg(reg), bits-1, 0xFFFFFFFF, 0, 0)
	}
	if err := setLen(d.SPI.MOSIDLen, dataBits); err != nil {
		return 0, err
	}
	if err := setLen(d.SPI.MISODLen, readBits); err != nil {
		return 0, err
	}

	oldUSR, err := l.readReg(ctx, regUSR)
	if err != nil {
		return 0, err
	}
	oldUSR2, err := l.readReg(ctx, regUSR2)
	if err != nil {
		return 0, err
	}

	if err := l.writeReg(ctx, regUSR, flags, 0xFFFFFFFF, 0, 0); err != nil {
		return 0, err
	}
	if err := l.writeReg(ctx, regUSR2, 7<<spiUsr2CommandLenShift|uint32(cmd), 0xFFFFFFFF, 0, 0); err != nil {
		return 0, err
	}

	if dataBits == 0 {
		if err := l.writeReg(ctx, regW0, 0, 0xFFFFFFFF, 0, 0); err != nil {
			return 0, err
		}
	} else {
		words := make([]byte, alignUp(uint32(len(data)), 4))
		copy(words, data)
		for i := 0; i < len(words); i += 4 {
			w := uint32(words[i]) | uint32(words[i+1])<<8 | uint32(words[i+2])<<16 | uint32(words[i+3])<<24
			if err := l.writeReg(ctx, regW0+uint32(i), w, 0xFFFFFFFF, 0, 0); err != nil {
				return 0, err
			}
		}
	}

	if err := l.writeReg(ctx, regCMD, spiCmdUsr, 0xFFFFFFFF, 0, 0); err != nil {
		return 0, err
	}

	done := false
	for i := 0; i < 10; i++ {
		v, err := l.readReg(ctx, regCMD)
		if err != nil {
			return 0, err
		}
		if v&spiCmdUsr == 0 {
			done = true
			break
		}
	}
	if !done {
		return 0, errors.Errorf("spi flash command 0x%02x did not complete", cmd)
	}

	status, err := l.readReg(ctx, regW0)
	if err != nil {
		return 0, err
	}

	if err := l.writeReg(ctx, regUSR, oldUSR, 0xFFFFFFFF, 0, 0); err != nil {
		return 0, err
	}
	if err := l.writeReg(ctx, regUSR2, oldUSR2, 0xFFFFFFFF, 0, 0); err != nil {
		return 0, err
	}

	return status, nil
}

// FlashID will read the JEDEC id of the attached flash
func (l *Link) FlashID(ctx context.Context) (uint32, error) {
	if err := l.ready(true); err != nil {
		return 0, err
	}
	if err := l.spiAttach(ctx); err != nil {
		return 0, err
	}
	return l.runSPIFlashCommand(ctx, spiFlashRDID, nil, 24)
}

// FlashSize will return the size of the attached flash in bytes
func (l *Link) FlashSize(ctx context.Context) (uint32, error) {
	if err := l.ready(true); err != nil {
		return 0, err
	}
	if err := l.spiAttach(ctx); err != nil {
		return 0, err
	}
	return l.flashSize(ctx)
}

func (l *Link) flashSize(ctx context.Context) (uint32, error) {
	id, err := l.runSPIFlashCommand(ctx, spiFlashRDID, nil, 24)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.log.Warnf("could not read flash id, assuming 4MB: %v", err)
		return defaultFlashSize, nil
	}

	size, ok := l.device.FlashSizeFromID(id)
	if !ok {
		l.log.Warnf("unknown flash id 0x%06x, assuming 4MB", id)
		return defaultFlashSize, nil
	}

	l.log.Debugf("flash id 0x%06x, %d bytes", id, size)
	return size, nil
}

// FlashMD5 will return the MD5 digest of a region of flash
func (l *Link) FlashMD5(ctx context.Context, addr, size uint32) ([]byte, error) {
	if err := l.ready(true); err != nil {
		return nil, err
	}
	if err := l.spiAttach(ctx); err != nil {
		return nil, err
	}

	timeout := scaledTimeout(md5TimeoutPerMB, size)
	_, resp, err := l.checkCommand(ctx, "read flash md5", CommandCodeSPIFlashMD5, packUint32s(addr, size, 0, 0), 0, timeout)
	if err != nil {
		return nil, err
	}

	// the ROM replies in hex, the stub in binary
	switch len(resp) {
	case 16:
		return resp, nil
	case 32:
		sum, err := hex.DecodeString(string(resp))
		if err != nil {
			return nil, errors.Wrap(ErrProtocol, "md5 is not hex")
		}
		return sum, nil
	}

	return nil, errors.Wrapf(ErrProtocol, "md5 reply is %d bytes", len(resp))
}

// EraseFlash will erase the whole flash. The stub must be running.
func (l *Link) EraseFlash(ctx context.Context) error {
	if err := l.ready(true); err != nil {
		return err
	}
	if !l.stub {
		return ErrStubRequired
	}
	if err := l.spiAttach(ctx); err != nil {
		return err
	}

	l.log.Info("erasing flash")
	_, _, err := l.checkCommand(ctx, "erase flash", CommandCodeEraseFlash, nil, 0, eraseFlashTimeout)
	return err
}

// EraseRegion will erase size bytes of flash at offset. Both have to be
// sector aligned and the stub must be running.
func (l *Link) EraseRegion(ctx context.Context, offset, size uint32) error {
	if err := l.ready(true); err != nil {
		return err
	}
	if !l.stub {
		return ErrStubRequired
	}
	if offset%flashSectorSize != 0 || size%flashSectorSize != 0 {
		return errors.Errorf("erase region 0x%x+0x%x is not aligned to 0x%x", offset, size, flashSectorSize)
	}
	if err := l.spiAttach(ctx); err != nil {
		return err
	}

	l.log.Infof("erasing 0x%x bytes at 0x%08x", size, offset)
	_, _, err := l.checkCommand(ctx, "erase region", CommandCodeEraseRegion, packUint32s(offset, size), 0, eraseTimeout(size))
	return err
}

// eraseTimeout scales with the amount of flash the chip erases up front
func eraseTimeout(size uint32) time.Duration {
	return scaledTimeout(eraseTimeoutPerMB, size)
}

func scaledTimeout(perMB time.Duration, size uint32) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / 1e6)
	if t < minEraseTimeout {
		return minEraseTimeout
	}
	return t
}
