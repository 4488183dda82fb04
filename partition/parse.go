package partition

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	subTypeOTAMin = 0x10
	subTypeOTAMax = 0x1F
)

var appSubTypes = map[string]uint8{
	"factory": 0x00,
	"test":    0x20,
}

var dataSubTypes = map[string]uint8{
	"ota":       0x00,
	"phy":       0x01,
	"nvs":       0x02,
	"coredump":  0x03,
	"codedump":  0x03,
	"nvs_keys":  0x04,
	"efuse":     0x05,
	"undefined": 0x06,
	"esphttpd":  0x80,
	"fat":       0x81,
	"spiffs":    0x82,
	"littlefs":  0x83,
}

type parser struct {
	tableOffset uint32
}

// Option changes how a CSV table is laid out
type Option func(*parser)

// WithTableOffset sets the flash offset of the table itself. Entries without
// an explicit offset start right after it.
func WithTableOffset(offset uint32) Option {
	return func(p *parser) {
		p.tableOffset = offset
	}
}

// Parse reads CSV rows of name, type, subtype, offset, size, flags. Trailing
// fields may be left out and empty offsets are placed after the previous
// entry, aligned for the entry type. Lines starting with # are comments.
func Parse(r io.Reader, opts ...Option) ([]Entry, error) {
	p := &parser{tableOffset: DefaultTableOffset}
	for _, opt := range opts {
		opt(p)
	}

	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	next := p.tableOffset + 0x1000
	var entries []Entry

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "could not read partition csv")
		}

		line, _ := cr.FieldPos(0)
		e, err := parseRecord(rec, next)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}

		next = e.Offset + e.Size
		entries = append(entries, e)
	}

	return entries, nil
}

// Compile parses a CSV table and serializes it
func Compile(r io.Reader, opts ...Option) ([]byte, error) {
	entries, err := Parse(r, opts...)
	if err != nil {
		return nil, err
	}
	return Marshal(entries)
}

func parseRecord(rec []string, next uint32) (e Entry, err error) {
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	e.Name = field(0)

	if e.Type, err = parseType(field(1)); err != nil {
		return
	}
	if e.SubType, err = parseSubType(e.Type, field(2)); err != nil {
		return
	}

	if s := field(3); s != "" {
		off, err := parseSize(s)
		if err != nil {
			return e, errors.Wrap(err, "offset")
		}
		e.Offset = alignUp(off, e.Type.offsetAlign())
	} else {
		e.Offset = alignUp(next, e.Type.offsetAlign())
	}

	// a missing size leaves an empty partition
	if s := field(4); s != "" {
		size, err := parseSize(s)
		if err != nil {
			return e, errors.Wrap(err, "size")
		}
		e.Size = alignUp(size, e.Type.sizeAlign())
	}

	if uint64(e.Offset)+uint64(e.Size) > 1<<32 {
		return e, errors.Wrapf(ErrBadEntry, "%q extends past 4GiB", e.Name)
	}

	e.Flags, err = parseFlags(field(5))
	return
}

func parseType(s string) (Type, error) {
	switch s {
	case "", "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	n, err := parseNum(s, 8)
	return Type(n), errors.Wrap(err, "type")
}

func parseSubType(t Type, s string) (uint8, error) {
	if s == "" {
		return 0, nil
	}

	switch t {
	case TypeApp:
		if v, ok := appSubTypes[s]; ok {
			return v, nil
		}
		if strings.HasPrefix(s, "ota_") {
			n, err := strconv.ParseUint(s[4:], 10, 8)
			if err != nil || n > subTypeOTAMax-subTypeOTAMin {
				return 0, errors.Wrapf(ErrBadEntry, "bad ota subtype %q", s)
			}
			return subTypeOTAMin + uint8(n), nil
		}
	case TypeData:
		if v, ok := dataSubTypes[s]; ok {
			return v, nil
		}
	}

	n, err := parseNum(s, 8)
	return uint8(n), errors.Wrap(err, "subtype")
}

func parseFlags(s string) (Flags, error) {
	var f Flags
	for _, part := range strings.Split(s, ":") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
		case "encrypted":
			f |= FlagEncrypted
		case "readonly":
			f |= FlagReadOnly
		default:
			n, err := parseNum(part, 32)
			if err != nil {
				return 0, errors.Wrap(err, "flags")
			}
			f |= Flags(n)
		}
	}
	return f, nil
}

// parseSize accepts decimal or 0x prefixed hex with an optional K or M suffix
func parseSize(s string) (uint32, error) {
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := parseNum(s, 32)
	if err != nil {
		return 0, err
	}
	if n*mult > 0xFFFFFFFF {
		return 0, errors.Wrapf(ErrBadEntry, "%s is out of range", s)
	}
	return uint32(n * mult), nil
}

func parseNum(s string, bits int) (uint64, error) {
	base := 10
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		base = 16
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, base, bits)
	if err != nil {
		return 0, errors.Wrapf(ErrBadEntry, "bad number %q", s)
	}
	return n, nil
}
