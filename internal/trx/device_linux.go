//go:build linux

package trx

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenDevice opens path read/write. When it is a terminal the line is put
// into raw mode with modem control lines ignored and, if speed is non-zero,
// the given baud rate. Other files (pipes, pseudo devices) are used as is.
func OpenDevice(path string, speed int) (io.ReadWriteCloser, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, openFailed(path, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	switch {
	case err == unix.ENOTTY || err == unix.EINVAL:
		// not a terminal
	case err != nil:
		return nil, openFailed(path, err)
	default:
		if err := makeRaw(t, speed); err != nil {
			return nil, openFailed(path, err)
		}
		if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
			return nil, openFailed(path, err)
		}
	}

	// Non-blocking descriptors are registered with the runtime poller, which
	// makes read/write deadlines work on the returned file.
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, openFailed(path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, openFailed(path, errors.New("os.NewFile failed"))
	}
	ok = true
	return f, nil
}

// makeRaw is cfmakeraw(3) plus CLOCAL.
func makeRaw(t *unix.Termios, speed int) error {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if speed == 0 {
		return nil
	}
	spd, err := baudToUnix(speed)
	if err != nil {
		return err
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd
	return nil
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, errors.Errorf("unsupported speed %d", baud)
	}
}
