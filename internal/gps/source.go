package gps

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// openSerial opens the receiver's port 8N1 at baud.
func openSerial(device string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s at %d baud", device, baud)
	}
	return port, nil
}

// dialGPSD connects to gpsd and asks it to relay the raw NMEA stream.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial gpsd %s", addr)
	}
	if _, err := conn.Write([]byte("?WATCH={\"enable\":true,\"nmea\":true}\n")); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "gpsd watch")
	}
	return conn, nil
}

// autoDetectDevice returns the first USB serial device present.
func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
