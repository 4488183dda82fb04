package flash

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/exp/constraints"
)

const checksumSeed = 0xEF

// checksum will create the XOR based checksum the bootloader expects for data
// payloads
func checksum(bs []byte) uint32 {
	s := byte(checksumSeed)
	for _, b := range bs {
		s ^= b
	}
	return uint32(s)
}

// min will return the minimum of the two values
func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// divCeil will return a/b rounded up
func divCeil[T constraints.Unsigned](a, b T) T {
	return (a + b - 1) / b
}

// alignUp will round v up to a multiple of a
func alignUp[T constraints.Unsigned](v, a T) T {
	return divCeil(v, a) * a
}

// packUint32s will encode the values little endian, one after another
func packUint32s(vs ...uint32) []byte {
	bs := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(bs[i*4:], v)
	}
	return bs
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
