package trx

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeDevice is an always-open in-memory device. readErr is returned by
// every Read when set.
type fakeDevice struct {
	closed  atomic.Bool
	readErr error
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if d.readErr != nil {
		return 0, d.readErr
	}
	return 0, io.EOF
}

func (d *fakeDevice) Write(p []byte) (int, error) { return len(p), nil }

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// fakeDriver records calls and keeps radio state in memory.
type fakeDriver struct {
	desc Descriptor

	mu    sync.Mutex
	state State
	calls []string

	initErr error
	opErr   error
	readErr bool // read from the port in every op

	delay   time.Duration
	entered chan struct{}
	block   chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		desc: Descriptor{
			Name:         "fake",
			Capabilities: Capabilities{Frequency: true, Mode: true, Lock: true},
			Modes:        []string{"LSB", "USB", "CW"},
		},
		state: State{Frequency: 7074000, Mode: "LSB"},
	}
}

func (f *fakeDriver) enter(name string, p Port) error {
	n := f.inFlight.Add(1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.readErr {
		var b [1]byte
		if _, err := p.Read(b[:]); err != nil {
			return err
		}
	}
	return f.opErr
}

func (f *fakeDriver) leave() { f.inFlight.Add(-1) }

func (f *fakeDriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDriver) Descriptor() Descriptor { return f.desc }

func (f *fakeDriver) Initialize(p Port) error { return f.initErr }

func (f *fakeDriver) SetFrequency(p Port, hz uint64) (uint64, error) {
	defer f.leave()
	if err := f.enter("set-frequency", p); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Frequency = hz
	return hz, nil
}

func (f *fakeDriver) GetFrequency(p Port) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Frequency, nil
}

func (f *fakeDriver) SetMode(p Port, mode string) (string, error) {
	defer f.leave()
	if err := f.enter("set-mode", p); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Mode = mode
	return mode, nil
}

func (f *fakeDriver) GetMode(p Port) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Mode, nil
}

func (f *fakeDriver) SetLock(p Port, locked bool) (bool, error) {
	defer f.leave()
	if err := f.enter("set-lock", p); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Locked = locked
	return locked, nil
}

func (f *fakeDriver) GetLock(p Port) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Locked, nil
}

// setExternal changes the radio behind the session's back, like a knob turn.
func (f *fakeDriver) setExternal(st State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

type recorder struct {
	id string
	ch chan Event
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan Event, 64)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Notify(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no event", r.id)
		return Event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("%s: unexpected event %+v", r.id, ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// loadFake builds a session around drv on a fake device.
func loadFake(t *testing.T, drv *fakeDriver, mutate func(*SessionConfig)) (*Session, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{}
	reg := NewRegistry()
	reg.Register("fake", func() Driver { return drv })
	cfg := SessionConfig{
		Name:           "main",
		Device:         "/dev/fake0",
		Driver:         "fake",
		CommandTimeout: time.Second,
		Open:           func(string, int) (io.ReadWriteCloser, error) { return dev, nil },
		Log:            quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Load(context.Background(), reg, cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s, dev
}
