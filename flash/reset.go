package flash

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ResetStrategy is a fixed sequence of control line changes that resets the
// chip. Line A is boot select (DTR), line B is reset (RTS).
type ResetStrategy int

const (
	NoReset ResetStrategy = iota
	ClassicReset
	HardReset
	HardResetUSB
	USBJTAGReset
)

func (s ResetStrategy) String() string {
	switch s {
	case NoReset:
		return "no reset"
	case ClassicReset:
		return "classic reset"
	case HardReset:
		return "hard reset"
	case HardResetUSB:
		return "hard reset (usb)"
	case USBJTAGReset:
		return "usb-serial-jtag reset"
	}
	return "unknown reset"
}

// lineStep sets both lines; a nil value leaves the line alone
type lineStep struct {
	a, b *bool
	wait time.Duration
}

var lineOn, lineOff = true, false

var resetSequences = map[ResetStrategy][]lineStep{
	NoReset: nil,

	// TODO: confirm the 350ms boot select hold with the board owners; some
	// boards have been seen to need 550ms before the strapping pin is latched
	ClassicReset: {
		{a: &lineOff, b: &lineOn, wait: 50 * time.Millisecond},
		{a: &lineOn, b: &lineOff, wait: 350 * time.Millisecond},
		{a: &lineOff},
	},

	HardReset: {
		{b: &lineOn, wait: 100 * time.Millisecond},
		{b: &lineOff},
	},

	HardResetUSB: {
		{b: &lineOn, wait: 200 * time.Millisecond},
		{b: &lineOff, wait: 200 * time.Millisecond},
	},

	// RTS is set again after DTR since some drivers only propagate DTR on an
	// RTS change
	USBJTAGReset: {
		{a: &lineOff, b: &lineOff, wait: 100 * time.Millisecond},
		{a: &lineOn, b: &lineOff, wait: 100 * time.Millisecond},
		{b: &lineOn},
		{a: &lineOff, b: &lineOn, wait: 100 * time.Millisecond},
		{a: &lineOff, b: &lineOff},
	},
}

// Apply runs the sequence. It returns false if the transport is not open. The
// sequence stops before the next line change once ctx is done.
func (s ResetStrategy) Apply(ctx context.Context, t Transport) (bool, error) {
	steps, ok := resetSequences[s]
	if !ok {
		return false, errors.Errorf("unknown reset strategy %d", s)
	}
	if !t.IsOpen() {
		return false, nil
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if step.a != nil {
			if err := t.SetBootSelect(*step.a); err != nil {
				return false, errors.Wrap(err, "could not set boot select")
			}
		}
		if step.b != nil {
			if err := t.SetReset(*step.b); err != nil {
				return false, errors.Wrap(err, "could not set reset")
			}
		}
		if step.wait > 0 {
			if err := sleep(ctx, step.wait); err != nil {
				return false, err
			}
		}
	}

	return true, nil
}

// connectStrategies picks the reset sequences tried by Connect in order
func (l *Link) connectStrategies(mode ConnectMode) []ResetStrategy {
	if mode == ModeUSBReset || l.IsUSBJTAG() {
		return []ResetStrategy{USBJTAGReset}
	}
	return []ResetStrategy{ClassicReset, ClassicReset}
}

// Reset will end the session and reset the chip with the strategy, HardReset
// when none is given. The port is released afterwards.
func (l *Link) Reset(ctx context.Context, strategy ...ResetStrategy) error {
	s := HardReset
	if len(strategy) > 0 {
		s = strategy[0]
	}

	l.Close()
	defer l.Close()

	if err := l.tr.Open(); err != nil {
		return err
	}
	if err := l.tr.Discard(); err != nil {
		return err
	}

	l.setState(StateResetting)

	// ports on USB chips may drop out during the reset, so retry
	for i := 0; i < 3; i++ {
		ok, err := s.Apply(ctx, l.tr)
		if err != nil {
			return err
		}
		if ok {
			l.log.Infof("reset with %s", s)
			return nil
		}
	}

	return errors.Errorf("unable to reset device with %s", s)
}
