// Package firmware loads the images flashed onto a board: the second stage
// bootloader, the partition table and the application, with the offsets each
// one lives at for a given board.
package firmware

import (
	"bytes"
	"io"
	"io/fs"
	"path"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/synthread/go-espflash/partition"
)

var ErrUnknownBoard = errors.New("unknown board")

// Offsets are where each image is written in flash
type Offsets struct {
	Bootloader uint32 `yaml:"bootloader"`
	Partitions uint32 `yaml:"partitions"`
	Firmware   uint32 `yaml:"firmware"`
}

// Board is a board profile
type Board struct {
	Slug    string  `yaml:"slug"`
	Name    string  `yaml:"name"`
	Chip    string  `yaml:"chip"`
	Offsets Offsets `yaml:"offsets"`
}

// Image is one blob and where it goes
type Image struct {
	Name   string
	Offset uint32
	Data   []byte
}

// Bundle is the set of images for one board in the order they are flashed
type Bundle struct {
	Board  Board
	Images []Image
}

// Segment is a contiguous run of data from a HEX file
type Segment struct {
	Address uint32
	Data    []byte
}

// LoadBoards will read a YAML list of board profiles
func LoadBoards(r io.Reader) ([]Board, error) {
	var boards []Board
	if err := yaml.NewDecoder(r).Decode(&boards); err != nil {
		return nil, errors.Wrap(err, "could not decode boards")
	}

	seen := map[string]bool{}
	for i, b := range boards {
		if b.Slug == "" {
			return nil, errors.Errorf("board %d has no slug", i)
		}
		if seen[b.Slug] {
			return nil, errors.Errorf("board %s is listed twice", b.Slug)
		}
		seen[b.Slug] = true
	}

	return boards, nil
}

// FindBoard returns the board with the slug
func FindBoard(boards []Board, slug string) (Board, error) {
	for _, b := range boards {
		if b.Slug == slug {
			return b, nil
		}
	}
	return Board{}, errors.Wrap(ErrUnknownBoard, slug)
}

// Open will read the images of a board from the <slug>/ directory of fsys.
// The partition table may be given compiled or as CSV and the application as
// a binary or Intel HEX file.
func Open(fsys fs.FS, b Board) (*Bundle, error) {
	dir := b.Slug

	table, err := readFirst(fsys, dir, "partition-table.bin", "partition-table.csv")
	if err != nil {
		return nil, err
	}
	if path.Ext(table.name) == ".csv" {
		bs, err := partition.Compile(bytes.NewReader(table.data), partition.WithTableOffset(b.Offsets.Partitions))
		if err != nil {
			return nil, errors.Wrapf(err, "could not compile %s", table.name)
		}
		table.data = bs
	}

	boot, err := readFirst(fsys, dir, "bootloader.bin")
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Board: b,
		Images: []Image{
			{Name: "partition table", Offset: b.Offsets.Partitions, Data: table.data},
			{Name: "bootloader", Offset: b.Offsets.Bootloader, Data: boot.data},
		},
	}

	app, err := readFirst(fsys, dir, "firmware.bin", "firmware.hex")
	if err != nil {
		return nil, err
	}
	if path.Ext(app.name) != ".hex" {
		bundle.Images = append(bundle.Images, Image{Name: "firmware", Offset: b.Offsets.Firmware, Data: app.data})
		return bundle, nil
	}

	segments, err := ReadHex(bytes.NewReader(app.data))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", app.name)
	}
	for _, seg := range segments {
		bundle.Images = append(bundle.Images, Image{
			Name:   "firmware",
			Offset: b.Offsets.Firmware + seg.Address,
			Data:   seg.Data,
		})
	}

	return bundle, nil
}

// ReadHex will read the data segments of an Intel HEX file
func ReadHex(r io.Reader) ([]Segment, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "could not parse hex")
	}

	var segments []Segment
	for _, s := range mem.GetDataSegments() {
		segments = append(segments, Segment{Address: s.Address, Data: s.Data})
	}
	if len(segments) == 0 {
		return nil, errors.New("hex file has no data")
	}

	return segments, nil
}

type file struct {
	name string
	data []byte
}

func readFirst(fsys fs.FS, dir string, names ...string) (file, error) {
	for _, n := range names {
		bs, err := fs.ReadFile(fsys, path.Join(dir, n))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return file{}, err
		}
		return file{name: n, data: bs}, nil
	}
	return file{}, errors.Wrapf(fs.ErrNotExist, "%s: none of %v", dir, names)
}
