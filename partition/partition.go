// Package partition compiles ESP-IDF style CSV partition tables into the
// binary layout read by the second stage bootloader, and reads them back.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	// TableSize is the fixed size of a serialized table, padding included
	TableSize = 0xC00
	// EntrySize is the size of one serialized entry
	EntrySize = 32
	// DefaultTableOffset is where the table lives in flash unless told otherwise
	DefaultTableOffset = 0x8000

	nameLen = 16
)

var (
	ErrTableTooLarge = errors.New("partition table does not fit in 0xC00 bytes")
	ErrBadChecksum   = errors.New("partition table md5 mismatch")
	ErrBadEntry      = errors.New("malformed partition entry")
)

var entryMagic = [2]byte{0xAA, 0x50}

var md5Marker = [16]byte{0xEB, 0xEB, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// offsetAlign is the granularity an entry of this type must start on
func (t Type) offsetAlign() uint32 {
	if t == TypeApp {
		return 0x10000
	}
	return 0x1000
}

// sizeAlign is the granularity of the length of an entry of this type
func (t Type) sizeAlign() uint32 {
	if t == TypeApp {
		return 0x1000
	}
	return 1
}

type Flags uint32

const (
	FlagEncrypted Flags = 0x01
	FlagReadOnly  Flags = 0x02
)

// Entry is one row of a partition table
type Entry struct {
	Name    string
	Type    Type
	SubType uint8
	Offset  uint32
	Size    uint32
	Flags   Flags
}

// SubTypeName returns the symbolic name of the subtype if it has one
func (e Entry) SubTypeName() string {
	var names map[string]uint8
	switch e.Type {
	case TypeApp:
		if e.SubType >= subTypeOTAMin && e.SubType <= subTypeOTAMax {
			return fmt.Sprintf("ota_%d", e.SubType-subTypeOTAMin)
		}
		names = appSubTypes
	case TypeData:
		names = dataSubTypes
	}
	for k, v := range names {
		if v == e.SubType && k != "codedump" {
			return k
		}
	}
	return fmt.Sprintf("0x%02x", e.SubType)
}

func (e Entry) String() string {
	return fmt.Sprintf("%-16s %-4s %-9s 0x%06x 0x%06x", e.Name, e.Type, e.SubTypeName(), e.Offset, e.Size)
}

// Marshal serializes entries into a TableSize byte table terminated by the
// md5 marker row and digest
func Marshal(entries []Entry) ([]byte, error) {
	if (len(entries)+2)*EntrySize > TableSize {
		return nil, errors.Wrapf(ErrTableTooLarge, "%d entries", len(entries))
	}

	buf := bytes.NewBuffer(make([]byte, 0, TableSize))
	for _, e := range entries {
		writeEntry(buf, e)
	}

	sum := md5.Sum(buf.Bytes())
	buf.Write(md5Marker[:])
	buf.Write(sum[:])

	for buf.Len() < TableSize {
		buf.WriteByte(0xFF)
	}

	return buf.Bytes(), nil
}

func writeEntry(buf *bytes.Buffer, e Entry) {
	var row [EntrySize]byte
	copy(row[0:2], entryMagic[:])
	row[2] = byte(e.Type)
	row[3] = e.SubType
	binary.LittleEndian.PutUint32(row[4:8], e.Offset)
	binary.LittleEndian.PutUint32(row[8:12], e.Size)

	// names longer than the field are truncated, shorter ones zero padded
	copy(row[12:12+nameLen], e.Name)
	binary.LittleEndian.PutUint32(row[28:32], uint32(e.Flags))
	buf.Write(row[:])
}

// Unmarshal reads a binary table back into entries. When the md5 marker row is
// present the digest is verified.
func Unmarshal(bs []byte) ([]Entry, error) {
	var entries []Entry

	for off := 0; off+EntrySize <= len(bs); off += EntrySize {
		row := bs[off : off+EntrySize]

		switch {
		case row[0] == entryMagic[0] && row[1] == entryMagic[1]:
			name := row[12 : 12+nameLen]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			entries = append(entries, Entry{
				Name:    string(name),
				Type:    Type(row[2]),
				SubType: row[3],
				Offset:  binary.LittleEndian.Uint32(row[4:8]),
				Size:    binary.LittleEndian.Uint32(row[8:12]),
				Flags:   Flags(binary.LittleEndian.Uint32(row[28:32])),
			})

		case bytes.Equal(row[:2], md5Marker[:2]):
			if off+EntrySize+md5.Size > len(bs) {
				return nil, errors.Wrap(ErrBadEntry, "truncated md5 digest")
			}
			want := md5.Sum(bs[:off])
			got := bs[off+EntrySize : off+EntrySize+md5.Size]
			if !bytes.Equal(want[:], got) {
				return nil, errors.Wrapf(ErrBadChecksum, "got %x want %x", got, want)
			}
			return entries, nil

		case row[0] == 0xFF && row[1] == 0xFF:
			return entries, nil

		default:
			return nil, errors.Wrapf(ErrBadEntry, "bad magic %02x%02x at 0x%x", row[0], row[1], off)
		}
	}

	return entries, nil
}

// alignUp rounds v up to the next multiple of a
func alignUp[T constraints.Unsigned](v, a T) T {
	if a < 2 {
		return v
	}
	if r := v % a; r != 0 {
		v += a - r
	}
	return v
}
