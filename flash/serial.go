package flash

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	espressifVID     = "303A"
	usbJTAGSerialPID = "1001"
)

// SerialTransport is a Transport over a local serial port. The control lines
// are the port's DTR and RTS unless GPIO lines are attached.
type SerialTransport struct {
	Name string
	Baud int

	log   logrus.FieldLogger
	lines *gpioLines

	mu      sync.Mutex
	ttyPort serial.Port
	ttyRx   chan byte
	rxStop  chan struct{}
	rxDone  chan struct{}
}

// NewSerialTransport will create a transport for the named port. Nothing is
// opened until Open is called.
func NewSerialTransport(name string, baud int, log logrus.FieldLogger) *SerialTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &SerialTransport{
		Name: name,
		Baud: baud,
		log:  log,
	}
}

func (st *SerialTransport) Open() (err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ttyPort != nil {
		return nil
	}

	port, err := serial.Open(st.Name, &serial.Mode{
		BaudRate:          st.Baud,
		DataBits:          8,
		Parity:            serial.NoParity,
		StopBits:          serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{},
	})
	if err != nil {
		return errors.Wrapf(err, "could not open serial %s", st.Name)
	}

	if err = port.SetReadTimeout(1 * time.Millisecond); err != nil {
		port.Close()
		return errors.Wrap(err, "could not set read timeout")
	}

	st.ttyPort = port
	st.ttyRx = make(chan byte, 4096)
	st.rxStop = make(chan struct{})
	st.rxDone = make(chan struct{})
	go st.rx(port, st.ttyRx, st.rxStop, st.rxDone)

	st.log.Debug("serial open")

	return nil
}

// Close will close the port and wait for the reader to stop
func (st *SerialTransport) Close() error {
	st.mu.Lock()
	port, stop, done := st.ttyPort, st.rxStop, st.rxDone
	st.ttyPort = nil
	st.mu.Unlock()

	if port == nil {
		return nil
	}

	close(stop)
	err := port.Close()
	<-done

	if st.lines != nil {
		if lerr := st.lines.release(); lerr != nil {
			st.log.Warn(lerr)
		}
	}

	st.log.Debug("serial close")

	return errors.Wrap(err, "could not close serial")
}

func (st *SerialTransport) IsOpen() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ttyPort != nil
}

func (st *SerialTransport) port() (serial.Port, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ttyPort == nil {
		return nil, ErrClosed
	}
	return st.ttyPort, nil
}

// rx is the loop that will read from the port and write the incoming bytes to
// the rx chan until the port is closed
func (st *SerialTransport) rx(port serial.Port, out chan<- byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	buf := make([]byte, 256)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {

			// don't write out if we're just complaining about it being closed
			if perr, ok := err.(*serial.PortError); ok && perr.Code() == serial.PortClosed {
				return
			}
			if errors.Is(err, syscall.EBADF) {
				return
			}

			st.log.Error("rx err: ", err.Error())
			return
		}

		for _, b := range buf[:n] {
			select {
			case out <- b:
			case <-stop:
				return
			}
		}
	}
}

// Write will write the specified bytes to the device
func (st *SerialTransport) Write(p []byte) error {
	port, err := st.port()
	if err != nil {
		return err
	}

	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return errors.Wrap(err, "could not write serial")
		}
		p = p[n:]
	}

	return nil
}

func (st *SerialTransport) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	st.mu.Lock()
	rx := st.ttyRx
	st.mu.Unlock()

	if rx == nil {
		return 0, ErrClosed
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-expired:
		return 0, ErrTimeout
	case b, ok := <-rx:
		if !ok {
			return 0, ErrClosed
		}
		return b, nil
	}
}

func (st *SerialTransport) ReadAvailable() []byte {
	st.mu.Lock()
	rx := st.ttyRx
	st.mu.Unlock()

	var bs []byte
	for {
		select {
		case b, ok := <-rx:
			if !ok {
				return bs
			}
			bs = append(bs, b)
		default:
			return bs
		}
	}
}

func (st *SerialTransport) Discard() error {
	port, err := st.port()
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return errors.Wrap(err, "could not reset input buffer")
	}
	st.ReadAvailable()
	return nil
}

func (st *SerialTransport) SetBaudRate(baud int) error {
	st.Baud = baud

	port, err := st.port()
	if err != nil {
		return err
	}

	return errors.Wrapf(port.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}), "could not set baud rate %d", baud)
}

func (st *SerialTransport) SetBootSelect(on bool) error {
	if st.lines != nil {
		return st.lines.setBoot(on)
	}
	port, err := st.port()
	if err != nil {
		return err
	}
	return port.SetDTR(on)
}

func (st *SerialTransport) SetReset(on bool) error {
	if st.lines != nil {
		return st.lines.setReset(on)
	}
	port, err := st.port()
	if err != nil {
		return err
	}
	return port.SetRTS(on)
}

// DetectSerialType will look the port up in the USB device list and report
// whether it is the Espressif USB-Serial-JTAG peripheral
func DetectSerialType(name string) (SerialType, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return SerialAutodetect, errors.Wrap(err, "could not enumerate ports")
	}

	for _, p := range ports {
		if p.Name != name {
			continue
		}
		if p.IsUSB && strings.EqualFold(p.VID, espressifVID) && strings.EqualFold(p.PID, usbJTAGSerialPID) {
			return SerialUSBJTAG, nil
		}
		return SerialStandard, nil
	}

	return SerialStandard, nil
}
