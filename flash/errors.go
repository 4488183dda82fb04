package flash

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrTimeout = errors.New("timed out reading from device")
var ErrClosed = errors.New("serial port is closed")

var (
	ErrNotInBootloader     = errors.New("bootloader has not been entered")
	ErrNoDevice            = errors.New("no device descriptor bound")
	ErrStubRequired        = errors.New("command requires the flasher stub")
	ErrStubNotAcknowledged = errors.New("stub did not acknowledge after start")
	ErrUnsupportedChip     = errors.New("unsupported chip")
	ErrStubNotFound        = errors.New("no stub image for chip")
	ErrProtocol            = errors.New("malformed response")
)

// romErrors names the failure cause byte reported in the status block
var romErrors = map[byte]string{
	0x05: "received message is invalid",
	0x06: "failed to act on received message",
	0x07: "invalid crc in message",
	0x08: "flash write error",
	0x09: "flash read error",
	0x0A: "flash read length error",
	0x0B: "deflate error",
	0xC1: "bad data length",
	0xC2: "bad data checksum",
	0xC3: "bad block size",
	0xC4: "invalid command",
	0xC5: "spi operation failed",
	0xC6: "spi unlock failed",
	0xC7: "not in flash mode",
	0xC8: "inflate error",
	0xC9: "not enough data",
	0xCA: "too much data",
	0xFF: "command not implemented",
}

// StatusError is returned when the device reports that a command failed
type StatusError struct {
	Op     string
	Opcode byte
	Status byte
	Reason byte
}

func (e *StatusError) Error() string {
	name, ok := romErrors[e.Reason]
	if !ok {
		name = "unknown error"
	}
	op := e.Op
	if op == "" {
		op = "command"
	}
	return fmt.Sprintf("%s (op 0x%02x) failed: %s (status 0x%02x, reason 0x%02x)", op, e.Opcode, name, e.Status, e.Reason)
}

// DesyncError is returned when a response echoes a different opcode than the
// request that was sent
type DesyncError struct {
	Want byte
	Got  byte
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("response out of sync: sent op 0x%02x, got op 0x%02x", e.Want, e.Got)
}

// ConnectError wraps the last error of a failed connection with what was
// learned from the boot banner.
type ConnectError struct {
	BootLogSeen  bool
	DownloadMode bool
	Err          error
}

func (e *ConnectError) Error() string {
	var hint string
	switch {
	case e.DownloadMode:
		hint = "download mode detected, but getting no sync reply"
	case e.BootLogSeen:
		hint = "wrong boot mode detected, chip must be in download mode"
	default:
		hint = "no serial data received, check wiring and power"
	}
	return fmt.Sprintf("failed to connect: %s: %v", hint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
