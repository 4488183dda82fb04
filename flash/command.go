package flash

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/synthread/go-espflash/slip"
)

type CommandCode int

const (
	CommandCodeFlashBegin CommandCode = iota
	CommandCodeFlashData
	CommandCodeFlashEnd
	CommandCodeMemBegin
	CommandCodeMemEnd
	CommandCodeMemData
	CommandCodeSync
	CommandCodeWriteReg
	CommandCodeReadReg
	CommandCodeSPISetParams
	CommandCodeSPIAttach
	CommandCodeReadFlashSlow
	CommandCodeChangeBaud
	CommandCodeFlashDeflBegin
	CommandCodeFlashDeflData
	CommandCodeFlashDeflEnd
	CommandCodeSPIFlashMD5
	CommandCodeGetSecurityInfo

	// stub only
	CommandCodeEraseFlash
	CommandCodeEraseRegion
	CommandCodeReadFlash
	CommandCodeRunUserCode
	CommandCodeFlashEncryptData
)

// CommandCodeMap maps commands to the opcode a chip uses for them
type CommandCodeMap map[CommandCode]byte

// these are the opcodes of the ROM bootloaders and the flasher stub
var defaultCmdCodeMap = CommandCodeMap{
	CommandCodeFlashBegin:       0x02,
	CommandCodeFlashData:        0x03,
	CommandCodeFlashEnd:         0x04,
	CommandCodeMemBegin:         0x05,
	CommandCodeMemEnd:           0x06,
	CommandCodeMemData:          0x07,
	CommandCodeSync:             0x08,
	CommandCodeWriteReg:         0x09,
	CommandCodeReadReg:          0x0A,
	CommandCodeSPISetParams:     0x0B,
	CommandCodeSPIAttach:        0x0D,
	CommandCodeReadFlashSlow:    0x0E,
	CommandCodeChangeBaud:       0x0F,
	CommandCodeFlashDeflBegin:   0x10,
	CommandCodeFlashDeflData:    0x11,
	CommandCodeFlashDeflEnd:     0x12,
	CommandCodeSPIFlashMD5:      0x13,
	CommandCodeGetSecurityInfo:  0x14,
	CommandCodeEraseFlash:       0xD0,
	CommandCodeEraseRegion:      0xD1,
	CommandCodeReadFlash:        0xD2,
	CommandCodeRunUserCode:      0xD3,
	CommandCodeFlashEncryptData: 0xD4,
}

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	headerLen = 8
)

// opcode will return the byte sent for the command on the bound chip
func (l *Link) opcode(c CommandCode) byte {
	if l.device != nil {
		return l.device.opcode(c)
	}
	return defaultCmdCodeMap[c]
}

func (l *Link) statusLen() int {
	if l.device != nil {
		return l.device.StatusLen(l.stub)
	}
	return 2
}

// timeout returns d, or the configured default when d is not set
func (l *Link) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return l.config.Timeout
}

// command will send one request and wait for its response. The returned data
// has the status block removed.
func (l *Link) command(ctx context.Context, c CommandCode, data []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	if !l.tr.IsOpen() {
		return 0, nil, ErrClosed
	}

	op := l.opcode(c)

	pkt := make([]byte, headerLen, headerLen+len(data))
	pkt[0] = dirRequest
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], chk)
	pkt = append(pkt, data...)

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	if err := l.tr.Write(slip.Encode(pkt)); err != nil {
		return 0, nil, err
	}
	l.log.Debugf("esp tx: %x", pkt)

	return l.response(ctx, op, timeout)
}

// response will read the next response frame and check it answers op
func (l *Link) response(ctx context.Context, op byte, timeout time.Duration) (uint32, []byte, error) {
	frame, err := l.readFrame(ctx, timeout)
	if err != nil {
		return 0, nil, err
	}

	if len(frame) < headerLen || frame[0] != dirResponse {
		return 0, nil, errors.Wrapf(ErrProtocol, "bad response header %x", frame)
	}
	if frame[1] != op {
		return 0, nil, &DesyncError{Want: op, Got: frame[1]}
	}

	value := binary.LittleEndian.Uint32(frame[4:8])
	body := frame[headerLen:]

	n := l.statusLen()
	if len(body) < n {
		return 0, nil, errors.Wrapf(ErrProtocol, "response to op 0x%02x is missing its status", op)
	}
	status := body[len(body)-n:]
	if status[0] != 0 {
		return value, nil, &StatusError{Opcode: op, Status: status[0], Reason: status[1]}
	}

	return value, body[:len(body)-n], nil
}

// checkCommand is command with a description attached to any failure
func (l *Link) checkCommand(ctx context.Context, desc string, c CommandCode, data []byte, chk uint32, timeout time.Duration) (uint32, []byte, error) {
	value, resp, err := l.command(ctx, c, data, chk, l.timeout(timeout))
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			serr.Op = desc
			return value, nil, serr
		}
		return value, nil, errors.Wrapf(err, "could not %s", desc)
	}
	return value, resp, nil
}

// readFrame will block until a complete frame has been received or the
// timeout has elapsed. Anything printed outside of a frame is logged.
func (l *Link) readFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				l.dropPartial()
				return nil, ErrTimeout
			}
		}

		b, err := l.tr.ReadByte(ctx, remaining)
		if err != nil {
			l.dropPartial()
			return nil, err
		}

		frame, done, err := l.dec.Feed(b)
		if err != nil {
			return nil, err
		}
		if done {
			l.log.Debugf("esp rx: %x", frame)
			return frame, nil
		}
	}
}

// dropPartial logs pending text and forgets a partly received frame, so a
// late reply to a request that timed out is not taken for the next one
func (l *Link) dropPartial() {
	l.dec.Flush()
	l.dec.Reset()
}

func (l *Link) logDeviceText(line string) {
	l.log.WithField("source", "device").Debug(strings.TrimRight(line, "\r\n"))
}
