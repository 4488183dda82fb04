// Package slip implements the SLIP style framing used by the Espressif serial
// bootloaders. A frame is delimited by 0xC0 on both sides; 0xC0 and 0xDB inside
// the payload are sent as two byte escape sequences.
package slip

import (
	"bytes"

	"github.com/pkg/errors"
)

const (
	End    byte = 0xC0
	Esc    byte = 0xDB
	EscEnd byte = 0xDC
	EscEsc byte = 0xDD
)

var ErrInvalidEscape = errors.New("invalid escape sequence in frame")

// Encode wraps data into a single frame
func Encode(data []byte) []byte {
	n := len(data) + 2
	for _, b := range data {
		if b == End || b == Esc {
			n++
		}
	}

	out := make([]byte, 0, n)
	out = append(out, End)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}

// Decode unescapes one complete frame, delimiters included or not.
func Decode(frame []byte) ([]byte, error) {
	var d Decoder
	if len(frame) == 0 || frame[0] != End {
		d.Feed(End)
	}
	for _, b := range frame {
		payload, done, err := d.Feed(b)
		if err != nil {
			return nil, err
		}
		if done {
			return payload, nil
		}
	}
	// missing closing delimiter
	payload, _, err := d.Feed(End)
	return payload, err
}

// Decoder is a byte at a time frame decoder. The zero value is ready to use.
//
// Everything received outside a frame is treated as text printed by the
// device and handed to OnText one line at a time.
type Decoder struct {
	OnText func(line string)

	inFrame bool
	escaped bool
	skip    bool
	payload []byte
	text    bytes.Buffer
}

// Feed consumes one byte. It returns the payload and true once the closing
// delimiter of a frame has been seen.
func (d *Decoder) Feed(b byte) ([]byte, bool, error) {
	if !d.inFrame {
		if b == End {
			d.flushText()
			d.inFrame = true
			d.payload = d.payload[:0]
			return nil, false, nil
		}
		d.text.WriteByte(b)
		if b == '\n' {
			d.flushText()
		}
		return nil, false, nil
	}

	// the rest of a broken frame is dropped up to its closing delimiter
	if d.skip {
		if b == End {
			d.skip = false
			d.inFrame = false
		}
		return nil, false, nil
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			d.payload = append(d.payload, End)
		case EscEsc:
			d.payload = append(d.payload, Esc)
		default:
			d.payload = d.payload[:0]
			if b == End {
				d.inFrame = false
			} else {
				d.skip = true
			}
			return nil, false, errors.Wrapf(ErrInvalidEscape, "0x%02x after escape", b)
		}
		return nil, false, nil
	}

	switch b {
	case End:
		// back to back delimiters open a new frame
		if len(d.payload) == 0 {
			return nil, false, nil
		}
		out := make([]byte, len(d.payload))
		copy(out, d.payload)
		d.inFrame = false
		d.payload = d.payload[:0]
		return out, true, nil
	case Esc:
		d.escaped = true
	default:
		d.payload = append(d.payload, b)
	}
	return nil, false, nil
}

// Reset drops any partial frame and pending text
func (d *Decoder) Reset() {
	d.inFrame = false
	d.escaped = false
	d.skip = false
	d.payload = d.payload[:0]
	d.text.Reset()
}

// Flush hands any buffered out of band text to OnText
func (d *Decoder) Flush() {
	d.flushText()
}

func (d *Decoder) flushText() {
	if d.text.Len() == 0 {
		return
	}
	line := d.text.String()
	d.text.Reset()
	if d.OnText != nil {
		d.OnText(line)
	}
}
