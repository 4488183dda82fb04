package flash

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/synthread/go-espflash/slip"
)

type request struct {
	op   byte
	chk  uint32
	data []byte
}

func (r request) word(i int) uint32 {
	return binary.LittleEndian.Uint32(r.data[i*4:])
}

type regWrite struct {
	addr, value uint32
}

type toggle struct {
	line string
	on   bool
}

// fakeDevice plays the ROM bootloader, and the stub once it has been
// uploaded, on the other end of a Transport
type fakeDevice struct {
	mu sync.Mutex

	open bool
	rx   []byte
	dec  slip.Decoder

	magic   uint32
	chipID  uint32
	regs    map[uint32]uint32
	flashID uint32
	spiCMD  uint32
	spiW0   uint32

	stub         bool
	stubGreeting []byte
	syncFailures int
	banner       []byte
	hostBaud     int

	resetAsserted bool

	requests []request
	writes   []regWrite
	toggles  []toggle
	written  []byte

	// intercept handles a request instead of the default behaviour when it
	// returns true
	intercept func(d *fakeDevice, r request) bool
	onToggle  func(t toggle)
}

func newFakeESP32() *fakeDevice {
	return &fakeDevice{
		magic:        0x00F01D83,
		regs:         map[uint32]uint32{},
		flashID:      0x1640EF,
		spiCMD:       0x3FF42000,
		spiW0:        0x3FF42000 + 0x80,
		stubGreeting: []byte("OHAI"),
	}
}

func newTestLink(t *testing.T, d *fakeDevice) (*Link, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	l, err := NewLink(&Config{
		TTY:       "fake",
		Transport: d,
		Timeout:   time.Second,
		Logger:    logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, hook
}

// connectedLink returns a link that has synced with the device without a reset
func connectedLink(t *testing.T, d *fakeDevice) (*Link, *test.Hook) {
	t.Helper()

	l, hook := newTestLink(t, d)
	if err := l.Connect(context.Background(), ModeNoReset, 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, hook
}

func (d *fakeDevice) ops(op byte) []request {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rs []request
	for _, r := range d.requests {
		if r.op == op {
			rs = append(rs, r)
		}
	}
	return rs
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.rx = nil
	return nil
}

func (d *fakeDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrClosed
	}
	for _, b := range p {
		frame, done, err := d.dec.Feed(b)
		if err != nil {
			return err
		}
		if done {
			d.handle(frame)
		}
	}
	return nil
}

// ReadByte never waits, an empty buffer is reported as a timeout straight away
func (d *fakeDevice) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return 0, ErrClosed
	}
	if len(d.rx) == 0 {
		return 0, ErrTimeout
	}
	b := d.rx[0]
	d.rx = d.rx[1:]
	return b, nil
}

func (d *fakeDevice) ReadAvailable() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	bs := d.rx
	d.rx = nil
	return bs
}

func (d *fakeDevice) Discard() error {
	d.ReadAvailable()
	return nil
}

func (d *fakeDevice) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostBaud = baud
	return nil
}

func (d *fakeDevice) SetBootSelect(on bool) error {
	d.setLine(toggle{"A", on})
	return nil
}

func (d *fakeDevice) SetReset(on bool) error {
	d.setLine(toggle{"B", on})
	return nil
}

func (d *fakeDevice) setLine(t toggle) {
	d.mu.Lock()
	d.toggles = append(d.toggles, t)
	if t.line == "B" {
		if !t.on && d.resetAsserted {
			d.rx = append(d.rx, d.banner...)
		}
		d.resetAsserted = t.on
	}
	hook := d.onToggle
	d.mu.Unlock()

	if hook != nil {
		hook(t)
	}
}

func (d *fakeDevice) statusLen() int {
	if d.stub {
		return 2
	}
	return 4
}

func (d *fakeDevice) reply(op byte, value uint32, body []byte, status, reason byte) {
	st := make([]byte, d.statusLen())
	st[0] = status
	st[1] = reason

	pkt := make([]byte, 8, 8+len(body)+len(st))
	pkt[0] = dirResponse
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)+len(st)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	pkt = append(pkt, body...)
	pkt = append(pkt, st...)

	d.rx = append(d.rx, slip.Encode(pkt)...)
}

func (d *fakeDevice) ok(op byte) {
	d.reply(op, 0, nil, 0, 0)
}

func (d *fakeDevice) handle(frame []byte) {
	n := binary.LittleEndian.Uint16(frame[2:4])
	r := request{
		op:   frame[1],
		chk:  binary.LittleEndian.Uint32(frame[4:8]),
		data: append([]byte(nil), frame[8:8+int(n)]...),
	}
	d.requests = append(d.requests, r)

	if d.intercept != nil && d.intercept(d, r) {
		return
	}

	switch r.op {
	case 0x08:
		if d.syncFailures > 0 {
			d.syncFailures--
			return
		}
		value := uint32(0x20120707)
		if d.stub {
			value = 0
		}
		for i := 0; i < syncReplies; i++ {
			d.reply(r.op, value, nil, 0, 0)
		}

	case 0x0A:
		addr := r.word(0)
		value := d.regs[addr]
		if addr == chipDetectMagicReg {
			value = d.magic
		}
		d.reply(r.op, value, nil, 0, 0)

	case 0x09:
		for i := 0; i+16 <= len(r.data); i += 16 {
			addr := binary.LittleEndian.Uint32(r.data[i:])
			value := binary.LittleEndian.Uint32(r.data[i+4:])
			d.writes = append(d.writes, regWrite{addr, value})
			d.regs[addr] = value
			if addr == d.spiCMD {
				d.regs[addr] = 0
				d.regs[d.spiW0] = d.flashID
			}
		}
		d.ok(r.op)

	case 0x14:
		if d.chipID == 0 {
			d.reply(r.op, 0, nil, 1, 0x05)
			return
		}
		body := make([]byte, 20)
		binary.LittleEndian.PutUint32(body[12:], d.chipID)
		d.reply(r.op, 0, body, 0, 0)

	case 0x06:
		d.ok(r.op)
		if r.word(0) == 0 {
			d.stub = true
			d.rx = append(d.rx, slip.Encode(d.stubGreeting)...)
		}

	case 0x02:
		d.written = nil
		d.ok(r.op)

	case 0x03:
		d.written = append(d.written, r.data[16:]...)
		d.ok(r.op)

	case 0x13:
		sum := md5.Sum(d.written[:r.word(1)])
		if d.stub {
			d.reply(r.op, 0, sum[:], 0, 0)
		} else {
			d.reply(r.op, 0, []byte(hex.EncodeToString(sum[:])), 0, 0)
		}

	default:
		d.ok(r.op)
	}
}
