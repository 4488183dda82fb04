package flash

import (
	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
)

// gpioLines drives the boot select and reset signals from host GPIO pins for
// boards wired directly to the host instead of through a USB UART. The chip
// enable pin is active low, so "on" drives it low.
type gpioLines struct {
	bootGPIO  int
	resetGPIO int

	pinBoot  gpio.Pin
	pinReset gpio.Pin
	active   bool
}

func (l *gpioLines) setup() (err error) {
	if l.active {
		return nil
	}
	l.pinBoot, err = gpio.NewOutput(uint(l.bootGPIO), true)
	if err != nil {
		return errors.Wrapf(err, "could not setup boot gpio %d", l.bootGPIO)
	}
	l.pinReset, err = gpio.NewOutput(uint(l.resetGPIO), true)
	if err != nil {
		l.pinBoot.Cleanup()
		return errors.Wrapf(err, "could not setup reset gpio %d", l.resetGPIO)
	}
	l.active = true
	return nil
}

func (l *gpioLines) setBoot(on bool) error {
	if err := l.setup(); err != nil {
		return err
	}
	return errors.Wrapf(drive(l.pinBoot, on), "could not drive boot gpio %d", l.bootGPIO)
}

func (l *gpioLines) setReset(on bool) error {
	if err := l.setup(); err != nil {
		return err
	}
	return errors.Wrapf(drive(l.pinReset, on), "could not drive reset gpio %d", l.resetGPIO)
}

// release resets the pins to a running state
func (l *gpioLines) release() error {
	if !l.active {
		return nil
	}
	errBoot := l.pinBoot.High()
	errReset := l.pinReset.High()
	l.pinBoot.Cleanup()
	l.pinReset.Cleanup()
	l.active = false

	if errBoot != nil {
		return errors.Wrapf(errBoot, "could not release boot gpio %d", l.bootGPIO)
	}
	return errors.Wrapf(errReset, "could not release reset gpio %d", l.resetGPIO)
}

func drive(p gpio.Pin, asserted bool) error {
	if asserted {
		return p.Low()
	}
	return p.High()
}

// UseGPIO routes the boot select and reset lines to host GPIO pins instead of
// the port's DTR and RTS
func (st *SerialTransport) UseGPIO(bootGPIO, resetGPIO int) {
	st.lines = &gpioLines{bootGPIO: bootGPIO, resetGPIO: resetGPIO}
}
