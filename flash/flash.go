package flash

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/synthread/go-espflash/firmware"
	"github.com/synthread/go-espflash/partition"
)

const DefaultAttempts = 3

// ProgressFunc is called after every block with the label of the running
// phase and how far it is, 0 to 100
type ProgressFunc func(phase string, percent int)

// FlashOptions control a single flash write
type FlashOptions struct {
	Offset uint32

	// Compress sends the image deflated, which needs the stub or a ROM that
	// supports it
	Compress bool

	// Attempts is how often a block is sent before giving up
	Attempts int

	// BlockSize overrides the write size of the bound chip
	BlockSize uint32

	// Finalize sends the end command after the last block. With Reboot the
	// chip then runs the new image instead of staying in the loader.
	Finalize bool
	Reboot   bool

	// Verify compares the MD5 of the written region with the image
	Verify bool

	Progress ProgressFunc
	Phase    string
}

func (o *FlashOptions) defaults(l *Link) {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BlockSize == 0 {
		o.BlockSize = l.device.WriteSize(l.stub)
	}
	if o.Phase == "" {
		o.Phase = fmt.Sprintf("0x%08x", o.Offset)
	}
	if o.Progress == nil {
		o.Progress = func(string, int) {}
	}
}

// FlashImage will write the image read from r to flash
func (l *Link) FlashImage(ctx context.Context, r io.Reader, opts FlashOptions) error {
	if err := l.ready(true); err != nil {
		return err
	}

	bs, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "could not read image")
	}

	return l.flash(ctx, bs, opts)
}

// FlashFile will write a binary or Intel HEX file to flash. HEX segment
// addresses are relative to the offset.
func (l *Link) FlashFile(ctx context.Context, filePath string, opts FlashOptions) error {
	if err := l.ready(true); err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if !strings.EqualFold(filepath.Ext(filePath), ".hex") {
		if opts.Phase == "" {
			opts.Phase = filepath.Base(filePath)
		}
		return l.FlashImage(ctx, f, opts)
	}

	segments, err := firmware.ReadHex(f)
	if err != nil {
		return err
	}

	base := opts.Offset
	for _, seg := range segments {
		o := opts
		o.Offset = base + seg.Address
		o.Phase = fmt.Sprintf("%s@0x%08x", filepath.Base(filePath), o.Offset)
		if err := l.flash(ctx, seg.Data, o); err != nil {
			return err
		}
	}

	return nil
}

// FlashPartitionTable will compile the CSV partition table and write it at
// the offset, partition.DefaultTableOffset when not set
func (l *Link) FlashPartitionTable(ctx context.Context, csv io.Reader, opts FlashOptions) error {
	if err := l.ready(true); err != nil {
		return err
	}
	if opts.Offset == 0 {
		opts.Offset = partition.DefaultTableOffset
	}

	table, err := partition.Compile(csv, partition.WithTableOffset(opts.Offset))
	if err != nil {
		return errors.Wrap(err, "could not compile partition table")
	}

	if opts.Phase == "" {
		opts.Phase = "partition table"
	}

	return l.flash(ctx, table, opts)
}

// FlashBundle will write every image of the bundle at its board offset. The
// chip is left in the loader; call Reset to run the new firmware.
func (l *Link) FlashBundle(ctx context.Context, b *firmware.Bundle, opts FlashOptions) error {
	if err := l.ready(true); err != nil {
		return err
	}

	for _, img := range b.Images {
		o := opts
		o.Offset = img.Offset
		o.Phase = img.Name
		o.Finalize = false

		l.log.Infof("writing %s (%d bytes) at 0x%08x", img.Name, len(img.Data), img.Offset)
		if err := l.flash(ctx, img.Data, o); err != nil {
			return errors.Wrapf(err, "could not write %s", img.Name)
		}
	}

	return nil
}

func (l *Link) flash(ctx context.Context, data []byte, opts FlashOptions) error {
	opts.defaults(l)

	if len(data) == 0 {
		return errors.New("image is empty")
	}

	if err := l.spiAttach(ctx); err != nil {
		return err
	}

	start := time.Now()

	var err error
	if opts.Compress {
		err = l.flashDeflated(ctx, data, opts)
	} else {
		err = l.flashPlain(ctx, data, opts)
	}
	if err != nil {
		return err
	}

	l.log.Infof("wrote %d bytes at 0x%08x in %s", len(data), opts.Offset, time.Since(start).Round(time.Millisecond))

	if opts.Verify {
		if err := l.verify(ctx, data, opts.Offset); err != nil {
			return err
		}
	}

	if opts.Finalize {
		return l.flashEnd(ctx, opts.Compress, opts.Reboot)
	}

	return nil
}

func (l *Link) flashPlain(ctx context.Context, data []byte, opts FlashOptions) error {
	size := uint32(len(data))
	blocks := divCeil(size, opts.BlockSize)

	timeout := l.config.Timeout
	if !l.stub {
		timeout = eraseTimeout(size)
	}

	begin := packUint32s(size, blocks, opts.BlockSize, opts.Offset)
	if l.device.SupportsEncryptedFlash && !l.stub {
		begin = append(begin, packUint32s(0)...)
	}
	if _, _, err := l.checkCommand(ctx, "begin flash", CommandCodeFlashBegin, begin, 0, timeout); err != nil {
		return err
	}

	return l.sendBlocks(ctx, CommandCodeFlashData, data, blocks, true, opts)
}

func (l *Link) flashDeflated(ctx context.Context, data []byte, opts FlashOptions) error {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(data); err != nil {
		return errors.Wrap(err, "could not compress image")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "could not compress image")
	}
	comp := buf.Bytes()

	size := uint32(len(data))
	blocks := divCeil(uint32(len(comp)), opts.BlockSize)
	eraseBlocks := divCeil(size, opts.BlockSize)

	writeSize := size
	timeout := l.config.Timeout
	if !l.stub {
		writeSize = eraseBlocks * opts.BlockSize
		timeout = eraseTimeout(writeSize)
	}

	l.log.Debugf("compressed %d bytes to %d", size, len(comp))

	begin := packUint32s(writeSize, blocks, opts.BlockSize, opts.Offset)
	if l.device.SupportsEncryptedFlash && !l.stub {
		begin = append(begin, packUint32s(0)...)
	}
	if _, _, err := l.checkCommand(ctx, "begin deflated flash", CommandCodeFlashDeflBegin, begin, 0, timeout); err != nil {
		return err
	}

	return l.sendBlocks(ctx, CommandCodeFlashDeflData, comp, blocks, false, opts)
}

// sendBlocks will send the payload in order, retrying each block up to
// opts.Attempts times
func (l *Link) sendBlocks(ctx context.Context, c CommandCode, payload []byte, blocks uint32, pad bool, opts FlashOptions) error {
	size := uint32(len(payload))

	opts.Progress(opts.Phase, 0)

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := seq * opts.BlockSize
		block := payload[start:min(start+opts.BlockSize, size)]
		if pad && uint32(len(block)) < opts.BlockSize {
			padded := bytes.Repeat([]byte{0xFF}, int(opts.BlockSize))
			copy(padded, block)
			block = padded
		}

		pkt := append(packUint32s(uint32(len(block)), seq, 0, 0), block...)
		chk := checksum(block)

		var err error
		for attempt := 1; attempt <= opts.Attempts; attempt++ {
			_, _, err = l.checkCommand(ctx, "write flash block", c, pkt, chk, 0)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warnf("block %d/%d attempt %d failed: %v", seq+1, blocks, attempt, err)
		}
		if err != nil {
			return errors.Wrapf(err, "block %d failed after %d attempts", seq, opts.Attempts)
		}

		opts.Progress(opts.Phase, int((seq+1)*100/blocks))
	}

	return nil
}

func (l *Link) flashEnd(ctx context.Context, compressed, reboot bool) error {
	var stay uint32 = 1
	if reboot {
		stay = 0
	}

	c := CommandCodeFlashEnd
	if compressed {
		c = CommandCodeFlashDeflEnd
	}

	_, _, err := l.checkCommand(ctx, "end flash", c, packUint32s(stay), 0, 0)
	return err
}

func (l *Link) verify(ctx context.Context, data []byte, offset uint32) error {
	want := md5.Sum(data)

	got, err := l.FlashMD5(ctx, offset, uint32(len(data)))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want[:]) {
		return errors.Errorf("verify failed at 0x%08x: flash md5 %x, image md5 %x", offset, got, want)
	}

	l.log.Debugf("verified 0x%08x", offset)
	return nil
}
