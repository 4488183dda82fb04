package flash

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const baudSettle = 50 * time.Millisecond

// SetBaudRate will switch the chip and the port to the new rate. Before the
// chip is bound only the configured rate is changed.
func (l *Link) SetBaudRate(ctx context.Context, baud int) error {
	if baud <= 0 {
		return errors.Errorf("invalid baud rate %d", baud)
	}

	l.config.BaudRate = baud
	if l.device == nil {
		return nil
	}
	if err := l.ready(true); err != nil {
		return err
	}
	if baud == l.baud {
		return nil
	}

	var old uint32
	if l.stub {
		old = uint32(l.baud)
	}

	if _, _, err := l.checkCommand(ctx, "change baud rate", CommandCodeChangeBaud, packUint32s(uint32(baud), old), 0, 0); err != nil {
		return err
	}

	if err := l.tr.SetBaudRate(baud); err != nil {
		return errors.Wrapf(err, "could not set port to %d baud", baud)
	}
	if err := sleep(ctx, baudSettle); err != nil {
		return err
	}
	if err := l.tr.Discard(); err != nil {
		return err
	}
	l.dec.Reset()

	l.log.Infof("changed baud rate %d -> %d", l.baud, baud)
	l.baud = baud

	return nil
}
