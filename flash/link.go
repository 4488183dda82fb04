package flash

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synthread/go-espflash/slip"
)

var DefaultBaud = 115200
var DefaultTTY = "/dev/ttyUSB0"
var DefaultTimeout = 10 * time.Second

// Config defines configuration for communicating with and flashing the chip
type Config struct {
	TTY string

	// BaudRate is negotiated once the bootloader has been entered
	BaudRate int
	// ROMBaudRate is the rate the ROM bootloader is first spoken to at
	ROMBaudRate int

	SerialType SerialType

	// BootGPIO and ResetGPIO route the control lines to host GPIO pins when
	// both are set
	BootGPIO  int
	ResetGPIO int

	// Timeout is used by every operation not given its own
	Timeout time.Duration

	Logger logrus.FieldLogger

	Stubs StubSource

	// Transport replaces the serial port built from TTY
	Transport Transport
}

// State is where a Link is in its connection lifecycle
type State int

const (
	StateClosed State = iota
	StateResetting
	StateHandshaking
	StateIdentifying
	StateBound
	StateStubActive
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StateBound:
		return "bound"
	case StateStubActive:
		return "stub active"
	}
	return "closed"
}

// Link is a session with the bootloader of one chip. It is not safe for
// concurrent use.
type Link struct {
	config *Config
	log    logrus.FieldLogger

	tr  Transport
	dec slip.Decoder

	serialType SerialType

	state        State
	device       *Descriptor
	inBootloader bool
	stub         bool
	spiAttached  bool
	baud         int

	bootLogSeen  bool
	downloadMode bool
}

// NewLink will create a link to the chip on the configured port. Nothing is
// opened until Connect is called.
func NewLink(c *Config) (*Link, error) {
	if c == nil {
		c = &Config{}
	}

	if c.TTY == "" {
		c.TTY = DefaultTTY
	}
	if c.ROMBaudRate <= 0 {
		c.ROMBaudRate = DefaultBaud
	}
	if c.BaudRate <= 0 {
		c.BaudRate = c.ROMBaudRate
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}

	l := &Link{
		config:     c,
		log:        c.Logger.WithField("port", c.TTY),
		tr:         c.Transport,
		serialType: c.SerialType,
		baud:       c.ROMBaudRate,
	}
	l.dec.OnText = l.logDeviceText

	if l.tr == nil {
		st := NewSerialTransport(c.TTY, c.ROMBaudRate, l.log)
		if c.BootGPIO > 0 && c.ResetGPIO > 0 {
			st.UseGPIO(c.BootGPIO, c.ResetGPIO)
		}
		l.tr = st

		if l.serialType == SerialAutodetect {
			t, err := DetectSerialType(c.TTY)
			if err != nil {
				l.log.Warnf("could not detect serial type, assuming standard: %v", err)
				t = SerialStandard
			}
			l.serialType = t
		}
	}
	if l.serialType == SerialAutodetect {
		l.serialType = SerialStandard
	}

	return l, nil
}

// TTY will return the port that is used
func (l *Link) TTY() string {
	return l.config.TTY
}

// BaudRate will return the rate the link is currently running at
func (l *Link) BaudRate() int {
	return l.baud
}

func (l *Link) State() State {
	return l.state
}

// Device returns the bound chip descriptor
func (l *Link) Device() (Descriptor, bool) {
	if l.device == nil {
		return Descriptor{}, false
	}
	return *l.device, true
}

// IsStub reports whether the flasher stub is running on the chip
func (l *Link) IsStub() bool {
	return l.stub
}

// IsUSBJTAG reports whether the port is the chip's own USB-Serial-JTAG
func (l *Link) IsUSBJTAG() bool {
	return l.serialType == SerialUSBJTAG
}

// Close will release the port and forget everything learned about the chip
func (l *Link) Close() error {
	err := l.tr.Close()

	l.state = StateClosed
	l.device = nil
	l.inBootloader = false
	l.stub = false
	l.spiAttached = false
	l.baud = l.config.ROMBaudRate
	l.dec.Reset()

	l.log.Debug("link close")

	return err
}

// ready checks that commands may be sent
func (l *Link) ready(needDevice bool) error {
	if !l.tr.IsOpen() {
		return ErrClosed
	}
	if !l.inBootloader {
		return ErrNotInBootloader
	}
	if needDevice && l.device == nil {
		return ErrNoDevice
	}
	return nil
}

func (l *Link) setState(s State) {
	if l.state != s {
		l.log.Debugf("state %s -> %s", l.state, s)
	}
	l.state = s
}
