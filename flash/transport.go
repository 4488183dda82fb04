package flash

import (
	"context"
	"time"
)

// Transport is a byte stream to the device with the two modem control lines
// used to reset it into the bootloader
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool

	// Write sends all of p
	Write(p []byte) error

	// ReadByte blocks until a byte arrives, the timeout elapses (ErrTimeout)
	// or ctx is done. A zero timeout waits forever.
	ReadByte(ctx context.Context, timeout time.Duration) (byte, error)

	// ReadAvailable returns whatever has been received without blocking
	ReadAvailable() []byte

	// Discard drops any buffered input
	Discard() error

	SetBaudRate(baud int) error

	// SetBootSelect drives line A (DTR), SetReset drives line B (RTS)
	SetBootSelect(on bool) error
	SetReset(on bool) error
}

// SerialType describes how the device is attached to the host
type SerialType int

const (
	SerialAutodetect SerialType = iota
	SerialStandard
	SerialUSBJTAG
)

func (t SerialType) String() string {
	switch t {
	case SerialStandard:
		return "standard"
	case SerialUSBJTAG:
		return "usb-serial-jtag"
	}
	return "autodetect"
}
