package driver

import (
	"sync"

	"trxd/internal/trx"
)

const DummyName = "dummy"

// Dummy is a radio that exists only in memory. It accepts any device and
// never touches it, which makes it useful for client development.
type Dummy struct {
	mu    sync.Mutex
	state trx.State
}

func NewDummy() *Dummy {
	return &Dummy{state: trx.State{Frequency: 14074000, Mode: "USB"}}
}

func (d *Dummy) Descriptor() trx.Descriptor {
	return trx.Descriptor{
		Name:         DummyName,
		Capabilities: trx.Capabilities{Frequency: true, Mode: true, Lock: true},
		Modes:        []string{"LSB", "USB", "CW", "CWR", "AM", "FM", "DIG", "PKT"},
		SubToneModes: []string{"none", "ctcss", "dcs"},
	}
}

func (d *Dummy) Initialize(p trx.Port) error { return nil }

func (d *Dummy) SetFrequency(p trx.Port, hz uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Frequency = hz
	return hz, nil
}

func (d *Dummy) GetFrequency(p trx.Port) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Frequency, nil
}

func (d *Dummy) SetMode(p trx.Port, mode string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Mode = mode
	return mode, nil
}

func (d *Dummy) GetMode(p trx.Port) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Mode, nil
}

func (d *Dummy) SetLock(p trx.Port, locked bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Locked = locked
	return locked, nil
}

func (d *Dummy) GetLock(p trx.Port) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Locked, nil
}
