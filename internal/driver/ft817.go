package driver

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"trxd/internal/trx"
)

const FT817Name = "ft-817"

// FT-817/818/857/897 CAT opcodes. Every command is four parameter bytes
// followed by the opcode.
const (
	ft817LockOn       = 0x00
	ft817SetFrequency = 0x01
	ft817ReadStatus   = 0x03
	ft817SetMode      = 0x07
	ft817LockOff      = 0x80
)

// maxFT817Frequency is 99999999 in units of 10 Hz.
const maxFT817Frequency = 999999990

var ft817Modes = []struct {
	name string
	code byte
}{
	{"LSB", 0x00},
	{"USB", 0x01},
	{"CW", 0x02},
	{"CWR", 0x03},
	{"AM", 0x04},
	{"WFM", 0x06},
	{"FM", 0x08},
	{"DIG", 0x0a},
	{"PKT", 0x0c},
}

// FT817 drives Yaesu FT-817 style radios over their binary CAT protocol.
type FT817 struct {
	mu sync.Mutex

	// The protocol cannot read the lock back; remember what we set.
	locked bool
}

func NewFT817() *FT817 {
	return &FT817{}
}

func (f *FT817) Descriptor() trx.Descriptor {
	modes := make([]string, 0, len(ft817Modes))
	for _, m := range ft817Modes {
		if m.name != "WFM" {
			modes = append(modes, m.name)
		}
	}
	return trx.Descriptor{
		Name:                        FT817Name,
		Capabilities:                trx.Capabilities{Frequency: true, Mode: true, Lock: true},
		Modes:                       modes,
		SubToneModes:                []string{"off", "ctcss", "dcs", "encoder"},
		StatusUpdatesRequirePolling: true,
	}
}

// Initialize checks that a radio answers on the port.
func (f *FT817) Initialize(p trx.Port) error {
	_, _, err := f.readStatus(p)
	return errors.Wrap(err, "ft-817 not responding")
}

func (f *FT817) SetFrequency(p trx.Port, hz uint64) (uint64, error) {
	if hz > maxFT817Frequency {
		return 0, errors.Errorf("frequency %d out of range", hz)
	}
	tens := hz / 10
	if err := f.command(p, toBCD(tens), ft817SetFrequency); err != nil {
		return 0, err
	}
	return tens * 10, nil
}

func (f *FT817) GetFrequency(p trx.Port) (uint64, error) {
	hz, _, err := f.readStatus(p)
	return hz, err
}

func (f *FT817) SetMode(p trx.Port, mode string) (string, error) {
	for _, m := range ft817Modes {
		if m.name == mode {
			if err := f.command(p, [4]byte{m.code}, ft817SetMode); err != nil {
				return "", err
			}
			return mode, nil
		}
	}
	return "", errors.Errorf("mode %q not supported", mode)
}

func (f *FT817) GetMode(p trx.Port) (string, error) {
	_, mode, err := f.readStatus(p)
	return mode, err
}

func (f *FT817) SetLock(p trx.Port, locked bool) (bool, error) {
	op := byte(ft817LockOff)
	if locked {
		op = ft817LockOn
	}
	// The radio answers 0x00 on a change and 0xf0 when it already was in the
	// requested state; both leave it where we want it.
	if err := f.command(p, [4]byte{}, op); err != nil {
		return false, err
	}
	f.mu.Lock()
	f.locked = locked
	f.mu.Unlock()
	return locked, nil
}

func (f *FT817) GetLock(p trx.Port) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

// command sends one CAT command and consumes the single byte acknowledge.
func (f *FT817) command(p trx.Port, params [4]byte, op byte) error {
	if _, err := p.Write([]byte{params[0], params[1], params[2], params[3], op}); err != nil {
		return err
	}
	var ack [1]byte
	_, err := io.ReadFull(p, ack[:])
	return err
}

func (f *FT817) readStatus(p trx.Port) (uint64, string, error) {
	if _, err := p.Write([]byte{0, 0, 0, 0, ft817ReadStatus}); err != nil {
		return 0, "", err
	}
	var resp [5]byte
	if _, err := io.ReadFull(p, resp[:]); err != nil {
		return 0, "", err
	}
	tens, err := fromBCD([4]byte{resp[0], resp[1], resp[2], resp[3]})
	if err != nil {
		return 0, "", err
	}
	return tens * 10, modeName(resp[4]), nil
}

// modeName maps a mode byte; bit 7 marks the narrow filter variant.
func modeName(code byte) string {
	for _, c := range []byte{code, code &^ 0x80} {
		for _, m := range ft817Modes {
			if m.code == c {
				return m.name
			}
		}
	}
	return "UNKNOWN"
}

// toBCD packs the low eight decimal digits of v, most significant first.
func toBCD(v uint64) [4]byte {
	var b [4]byte
	for i := 3; i >= 0; i-- {
		lo := byte(v % 10)
		v /= 10
		hi := byte(v % 10)
		v /= 10
		b[i] = hi<<4 | lo
	}
	return b
}

func fromBCD(b [4]byte) (uint64, error) {
	var v uint64
	for _, x := range b {
		hi, lo := x>>4, x&0x0f
		if hi > 9 || lo > 9 {
			return 0, errors.Errorf("invalid bcd % x", b)
		}
		v = v*100 + uint64(hi)*10 + uint64(lo)
	}
	return v, nil
}
