package flash

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// SecurityInfo is the reply to GET_SECURITY_INFO
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt uint8
	KeyPurposes   [7]uint8

	// ChipID and APIVersion are only sent by newer ROMs
	HasChipID  bool
	ChipID     uint32
	APIVersion uint32
}

// ReadRegister will read a 32 bit register of the chip
func (l *Link) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	if err := l.ready(false); err != nil {
		return 0, err
	}
	return l.readReg(ctx, addr)
}

// WriteRegister will write the masked value to a register of the chip. The ROM
// waits delayUS after the write. When delayAfterUS is set a second write to the
// UART date register is chained to make the ROM wait that long before
// replying.
func (l *Link) WriteRegister(ctx context.Context, addr, value, mask, delayUS, delayAfterUS uint32) error {
	if err := l.ready(false); err != nil {
		return err
	}
	return l.writeReg(ctx, addr, value, mask, delayUS, delayAfterUS)
}

// SecurityInfo will read the security state of the chip
func (l *Link) SecurityInfo(ctx context.Context) (*SecurityInfo, error) {
	if err := l.ready(false); err != nil {
		return nil, err
	}
	return l.securityInfo(ctx)
}

func (l *Link) readReg(ctx context.Context, addr uint32) (uint32, error) {
	value, _, err := l.checkCommand(ctx, "read register", CommandCodeReadReg, packUint32s(addr), 0, 0)
	if err != nil {
		return 0, err
	}
	l.log.Debugf("reg 0x%08x = 0x%08x", addr, value)
	return value, nil
}

func (l *Link) writeReg(ctx context.Context, addr, value, mask, delayUS, delayAfterUS uint32) error {
	data := packUint32s(addr, value, mask, delayUS)
	if delayAfterUS > 0 {
		dateReg := uint32(0x60000078)
		if l.device != nil && l.device.RegUARTDate != 0 {
			dateReg = l.device.RegUARTDate
		}
		data = append(data, packUint32s(dateReg, 0, 0, delayAfterUS)...)
	}

	_, _, err := l.checkCommand(ctx, "write register", CommandCodeWriteReg, data, 0, 0)
	return err
}

func (l *Link) securityInfo(ctx context.Context) (*SecurityInfo, error) {
	_, resp, err := l.checkCommand(ctx, "get security info", CommandCodeGetSecurityInfo, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(resp) < 12 {
		return nil, errors.Wrapf(ErrProtocol, "security info is %d bytes", len(resp))
	}

	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(resp[0:4]),
		FlashCryptCnt: resp[4],
	}
	copy(info.KeyPurposes[:], resp[5:12])

	if len(resp) >= 20 {
		info.HasChipID = true
		info.ChipID = binary.LittleEndian.Uint32(resp[12:16])
		info.APIVersion = binary.LittleEndian.Uint32(resp[16:20])
	}

	return info, nil
}
