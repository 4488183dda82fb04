package flash

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	memEndROMTimeout  = 200 * time.Millisecond
	memEndStubTimeout = 3 * time.Second
)

func (l *Link) memBegin(ctx context.Context, size, blocks, blockSize, offset uint32) error {
	_, _, err := l.checkCommand(ctx, "begin ram write", CommandCodeMemBegin, packUint32s(size, blocks, blockSize, offset), 0, 0)
	return err
}

func (l *Link) memBlock(ctx context.Context, data []byte, seq uint32) error {
	pkt := append(packUint32s(uint32(len(data)), seq, 0, 0), data...)
	_, _, err := l.checkCommand(ctx, "write ram block", CommandCodeMemData, pkt, checksum(data), 0)
	return err
}

// memEnd will start execution at entry, or just finish the upload when entry
// is 0. The chip may jump away before acknowledging, so a timeout is only an
// error once the stub is active.
func (l *Link) memEnd(ctx context.Context, entry uint32) error {
	var noEntry uint32
	if entry == 0 {
		noEntry = 1
	}

	timeout := memEndROMTimeout
	if l.stub {
		timeout = memEndStubTimeout
	}

	_, _, err := l.checkCommand(ctx, "end ram write", CommandCodeMemEnd, packUint32s(noEntry, entry), 0, timeout)
	if errors.Is(err, ErrTimeout) && !l.stub {
		l.log.Debug("no reply to ram write end")
		return nil
	}
	return err
}

// writeMem will upload data to RAM at addr in RAM block sized pieces
func (l *Link) writeMem(ctx context.Context, addr uint32, data []byte) error {
	blockSize := l.device.RAMBlock
	size := uint32(len(data))
	blocks := divCeil(size, blockSize)

	if r, ok := l.device.Region(addr); ok {
		l.log.Debugf("writing %d bytes to %s at 0x%08x", size, r.Tag, addr)
	}

	if err := l.memBegin(ctx, size, blocks, blockSize, addr); err != nil {
		return err
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := seq * blockSize
		end := min(start+blockSize, size)
		if err := l.memBlock(ctx, data[start:end], seq); err != nil {
			return err
		}
	}

	return nil
}
