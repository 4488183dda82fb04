package flash

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"path"

	"github.com/pkg/errors"
)

var stubGreeting = []byte("OHAI")

// StubImage is a flasher stub built for one chip
type StubImage struct {
	Entry     uint32 `json:"entry"`
	TextStart uint32 `json:"text_start"`
	Text      []byte `json:"text"`
	DataStart uint32 `json:"data_start"`
	Data      []byte `json:"data"`
}

// StubSource will return the stub for the canonical chip name
type StubSource interface {
	Stub(name string) (*StubImage, error)
}

// FSStubSource reads stubs in the JSON format esptool ships them in, one
// <name>.json file per chip
type FSStubSource struct {
	fsys fs.FS
	dir  string
}

func NewStubSource(fsys fs.FS) *FSStubSource {
	return &FSStubSource{fsys: fsys, dir: "."}
}

// InDir returns a source reading from a sub directory
func (s *FSStubSource) InDir(dir string) *FSStubSource {
	return &FSStubSource{fsys: s.fsys, dir: dir}
}

func (s *FSStubSource) Stub(name string) (*StubImage, error) {
	bs, err := fs.ReadFile(s.fsys, path.Join(s.dir, name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrStubNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	img := &StubImage{}
	if err := json.Unmarshal(bs, img); err != nil {
		return nil, errors.Wrapf(err, "could not decode stub %s", name)
	}
	if len(img.Text) == 0 {
		return nil, errors.Errorf("stub %s has no text segment", name)
	}

	return img, nil
}

// RunStub will upload the flasher stub to RAM and start it. Nothing is done if
// a stub is already running.
func (l *Link) RunStub(ctx context.Context) error {
	if err := l.ready(true); err != nil {
		return err
	}
	if l.stub {
		return nil
	}
	if l.config.Stubs == nil {
		return errors.Wrap(ErrStubNotFound, "no stub source configured")
	}

	name := l.device.CanonicalName()
	img, err := l.config.Stubs.Stub(name)
	if err != nil {
		return err
	}

	l.log.Infof("uploading stub for %s", l.device.Name)

	segments := []struct {
		addr uint32
		data []byte
	}{
		{img.TextStart, img.Text},
		{img.DataStart, img.Data},
	}
	for _, seg := range segments {
		if len(seg.data) == 0 {
			continue
		}
		if err := l.writeMem(ctx, seg.addr, seg.data); err != nil {
			return errors.Wrap(err, "could not upload stub")
		}
	}

	if err := l.memEnd(ctx, img.Entry); err != nil {
		return errors.Wrap(err, "could not start stub")
	}

	frame, err := l.readFrame(ctx, l.config.Timeout)
	if err != nil {
		return errors.Wrap(err, "waiting for stub")
	}
	if !bytes.Equal(frame, stubGreeting) {
		return errors.Wrapf(ErrStubNotAcknowledged, "got %x", frame)
	}

	l.stub = true
	l.spiAttached = false
	l.setState(StateStubActive)
	l.log.Info("stub running")

	return nil
}
