package trx

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// OpenFunc opens a CAT device at the given line speed.
type OpenFunc func(path string, speed int) (io.ReadWriteCloser, error)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// ioPort is the Port handed to drivers. It bounds every operation by the
// command timeout when the device supports deadlines and tags failures so
// they classify as device errors rather than driver faults.
type ioPort struct {
	dev     io.ReadWriteCloser
	timeout time.Duration
}

func (p *ioPort) arm() {
	if d, ok := p.dev.(deadliner); ok && p.timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(p.timeout))
	}
}

func (p *ioPort) disarm() {
	if d, ok := p.dev.(deadliner); ok {
		_ = d.SetDeadline(time.Time{})
	}
}

func (p *ioPort) Read(b []byte) (int, error) {
	n, err := p.dev.Read(b)
	return n, portError(err)
}

func (p *ioPort) Write(b []byte) (int, error) {
	n, err := p.dev.Write(b)
	return n, portError(err)
}

func portError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return tag(ErrDeviceTimeout, err)
	default:
		return tag(ErrDeviceIO, err)
	}
}

func openFailed(path string, err error) error {
	return tag(ErrDeviceUnavailable, errors.Wrapf(err, "open %s", path))
}
