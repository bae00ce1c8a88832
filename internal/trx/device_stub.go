//go:build !linux

package trx

import (
	"io"
	"os"
)

// OpenDevice opens path read/write. Line settings are left alone on this
// platform.
func OpenDevice(path string, speed int) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, openFailed(path, err)
	}
	return f, nil
}
