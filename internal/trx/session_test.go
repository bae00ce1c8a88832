package trx

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSession_CommandsNeverOverlap(t *testing.T) {
	drv := newFakeDriver()
	drv.delay = 2 * time.Millisecond
	s, _ := loadFake(t, drv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hz := strconv.Itoa(14000000 + i*1000)
			if _, err := s.Execute(context.Background(), Command{Op: OpSetFrequency, Value: hz}); err != nil {
				t.Errorf("execute %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := drv.maxInFlight.Load(); got != 1 {
		t.Fatalf("max in flight=%d want 1", got)
	}
	if got := drv.callCount(); got != 20 {
		t.Fatalf("calls=%d", got)
	}
}

func TestSession_ResultsAndCache(t *testing.T) {
	drv := newFakeDriver()
	s, _ := loadFake(t, drv, nil)
	ctx := context.Background()

	if st := s.State(); st.Frequency != 7074000 || st.Mode != "LSB" {
		t.Fatalf("initial state not read from radio: %+v", st)
	}

	cases := []struct {
		cmd  Command
		want string
	}{
		{Command{Op: OpSetFrequency, Value: "14074000"}, "14074000"},
		{Command{Op: OpGetFrequency}, "14074000"},
		{Command{Op: OpSetMode, Value: "usb"}, "USB"},
		{Command{Op: OpGetMode}, "USB"},
		{Command{Op: OpLock}, "true"},
		{Command{Op: OpGetLock}, "true"},
		{Command{Op: OpUnlock}, "false"},
	}
	for _, tc := range cases {
		got, err := s.Execute(ctx, tc.cmd)
		if err != nil {
			t.Fatalf("%s: %v", tc.cmd.Op, err)
		}
		if got != tc.want {
			t.Fatalf("%s=%q want %q", tc.cmd.Op, got, tc.want)
		}
	}
	want := State{Frequency: 14074000, Mode: "USB", Locked: false}
	if st := s.State(); st != want {
		t.Fatalf("state=%+v want %+v", st, want)
	}
}

func TestSession_UnsupportedCapabilityNeverReachesDriver(t *testing.T) {
	drv := newFakeDriver()
	drv.desc.Capabilities = Capabilities{}
	s, _ := loadFake(t, drv, nil)

	for _, cmd := range []Command{
		{Op: OpSetFrequency, Value: "14074000"},
		{Op: OpSetMode, Value: "USB"},
		{Op: OpLock},
		{Op: OpUnlock},
	} {
		_, err := s.Execute(context.Background(), cmd)
		if !errors.Is(err, ErrUnsupportedCapability) {
			t.Fatalf("%s: err=%v", cmd.Op, err)
		}
	}
	if n := drv.callCount(); n != 0 {
		t.Fatalf("driver called %d times", n)
	}
}

func TestSession_RejectsUnknownModeAndBadValues(t *testing.T) {
	drv := newFakeDriver()
	s, _ := loadFake(t, drv, nil)
	ctx := context.Background()

	if _, err := s.Execute(ctx, Command{Op: OpSetMode, Value: "FM"}); Code(err) != "UnsupportedCapability" {
		t.Fatalf("mode FM: %v", err)
	}
	if _, err := s.Execute(ctx, Command{Op: OpSetFrequency, Value: "14.074"}); Code(err) != "ProtocolError" {
		t.Fatalf("bad frequency: %v", err)
	}
	if _, err := s.Execute(ctx, Command{Op: "tune"}); Code(err) != "ProtocolError" {
		t.Fatalf("unknown op: %v", err)
	}
	if n := drv.callCount(); n != 0 {
		t.Fatalf("driver called %d times", n)
	}
}

func TestSession_WaitForDeviceTimesOut(t *testing.T) {
	drv := newFakeDriver()
	drv.entered = make(chan struct{}, 1)
	drv.block = make(chan struct{})
	s, _ := loadFake(t, drv, func(c *SessionConfig) { c.CommandTimeout = 50 * time.Millisecond })

	first := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), Command{Op: OpSetFrequency, Value: "3573000"})
		first <- err
	}()
	<-drv.entered

	start := time.Now()
	_, err := s.Execute(context.Background(), Command{Op: OpSetFrequency, Value: "7074000"})
	if !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took %s", time.Since(start))
	}

	close(drv.block)
	if err := <-first; err != nil {
		t.Fatalf("first command should run to completion: %v", err)
	}
	if got := s.State().Frequency; got != 3573000 {
		t.Fatalf("frequency=%d", got)
	}
}

func TestSession_DriverErrorIsFault(t *testing.T) {
	drv := newFakeDriver()
	drv.opErr = errors.New("radio said no")
	s, _ := loadFake(t, drv, nil)

	_, err := s.Execute(context.Background(), Command{Op: OpSetFrequency, Value: "14074000"})
	if Code(err) != "DriverFault" {
		t.Fatalf("err=%v code=%s", err, Code(err))
	}
	if s.Closed() {
		t.Fatalf("driver faults must not close the session")
	}
}

func TestSession_IOErrorsEscalateToClosed(t *testing.T) {
	drv := newFakeDriver()
	drv.readErr = true
	s, dev := loadFake(t, drv, nil)
	dev.readErr = io.ErrClosedPipe

	sub := newRecorder("watcher")
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.next(t) // initial state

	cmd := Command{Op: OpSetFrequency, Value: "14074000"}
	for i := 1; i < maxIOErrors; i++ {
		if _, err := s.Execute(context.Background(), cmd); Code(err) != "DeviceIOError" {
			t.Fatalf("attempt %d: err=%v", i, err)
		}
	}
	if _, err := s.Execute(context.Background(), cmd); Code(err) != "ControllerClosed" {
		t.Fatalf("final attempt: err=%v", err)
	}

	ev := sub.next(t)
	if ev.Kind != EventClosed || ev.Reason == "" {
		t.Fatalf("event=%+v", ev)
	}
	if !dev.closed.Load() {
		t.Fatalf("device left open")
	}
	if _, err := s.Execute(context.Background(), Command{Op: OpGetFrequency}); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("after close: %v", err)
	}
	if err := s.Subscribe(newRecorder("late")); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestSession_IOErrorCounterResetsOnSuccess(t *testing.T) {
	drv := newFakeDriver()
	s, dev := loadFake(t, drv, nil)

	fail := Command{Op: OpSetFrequency, Value: "1"}
	ok := Command{Op: OpGetFrequency}
	for round := 0; round < 3; round++ {
		drv.readErr = true
		dev.readErr = io.ErrUnexpectedEOF
		for i := 1; i < maxIOErrors; i++ {
			if _, err := s.Execute(context.Background(), fail); Code(err) != "DeviceIOError" {
				t.Fatalf("round %d: %v", round, err)
			}
		}
		drv.readErr = false
		if _, err := s.Execute(context.Background(), ok); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	if s.Closed() {
		t.Fatalf("session closed although errors were not consecutive")
	}
}

func TestSession_NotifiesAfterCommitOnlyOnChange(t *testing.T) {
	drv := newFakeDriver()
	s, _ := loadFake(t, drv, nil)

	sub := &checkingSubscriber{recorder: newRecorder("a"), s: s}
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.next(t)

	ctx := context.Background()
	if _, err := s.Execute(ctx, Command{Op: OpSetFrequency, Value: "10136000"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	ev := sub.next(t)
	if ev.Kind != EventState || ev.Trx != "main" || ev.State.Frequency != 10136000 {
		t.Fatalf("event=%+v", ev)
	}
	if sub.mismatch.Load() {
		t.Fatalf("event delivered before state was committed")
	}

	// Same frequency again and a plain read: no change, no event.
	if _, err := s.Execute(ctx, Command{Op: OpSetFrequency, Value: "10136000"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Execute(ctx, Command{Op: OpGetMode}); err != nil {
		t.Fatalf("get: %v", err)
	}
	sub.none(t)
}

// checkingSubscriber compares every event with the session's committed
// state at delivery time.
type checkingSubscriber struct {
	*recorder
	s        *Session
	mismatch atomic.Bool
}

func (c *checkingSubscriber) Notify(ev Event) {
	if ev.Kind == EventState && c.s.State() != ev.State {
		c.mismatch.Store(true)
	}
	c.recorder.Notify(ev)
}

func TestSession_SubscribeIsIdempotent(t *testing.T) {
	drv := newFakeDriver()
	s, _ := loadFake(t, drv, nil)
	sub := newRecorder("a")

	for i := 0; i < 3; i++ {
		if err := s.Subscribe(sub); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	sub.next(t)
	sub.none(t)
	if n := s.Info().Subscribed; n != 1 {
		t.Fatalf("subscribers=%d", n)
	}

	s.Unsubscribe(newRecorder("stranger"))
	s.Unsubscribe(sub)
	s.Unsubscribe(sub)
	if n := s.Info().Subscribed; n != 0 {
		t.Fatalf("subscribers=%d", n)
	}

	if _, err := s.Execute(context.Background(), Command{Op: OpSetMode, Value: "CW"}); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	sub.none(t)
}

func TestSession_PollsRadiosWithoutPush(t *testing.T) {
	drv := newFakeDriver()
	drv.desc.StatusUpdatesRequirePolling = true
	s, _ := loadFake(t, drv, func(c *SessionConfig) { c.PollInterval = 10 * time.Millisecond })

	sub := newRecorder("a")
	if err := s.Subscribe(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.next(t)

	drv.setExternal(State{Frequency: 145500000, Mode: "CW", Locked: true})
	ev := sub.next(t)
	if ev.State != (State{Frequency: 145500000, Mode: "CW", Locked: true}) {
		t.Fatalf("event=%+v", ev)
	}
}

func TestSession_ShutdownNotifiesAndCloses(t *testing.T) {
	drv := newFakeDriver()
	s, dev := loadFake(t, drv, nil)
	sub := newRecorder("a")
	_ = s.Subscribe(sub)
	sub.next(t)

	s.Shutdown()
	s.Shutdown()

	ev := sub.next(t)
	if ev.Kind != EventClosed || ev.Reason != "shutdown" {
		t.Fatalf("event=%+v", ev)
	}
	if !dev.closed.Load() || !s.Closed() {
		t.Fatalf("not closed")
	}
	if s.Info().Status != "closed" {
		t.Fatalf("status=%s", s.Info().Status)
	}
}

func TestLoad_Failures(t *testing.T) {
	newReg := func(drv Driver) *Registry {
		reg := NewRegistry()
		reg.Register("fake", func() Driver { return drv })
		return reg
	}
	okOpen := func(dev *fakeDevice) OpenFunc {
		return func(string, int) (io.ReadWriteCloser, error) { return dev, nil }
	}

	t.Run("slash in driver name", func(t *testing.T) {
		dev := &fakeDevice{}
		opened := false
		_, err := Load(context.Background(), newReg(newFakeDriver()), SessionConfig{
			Device: "/dev/x", Driver: "../fake", Log: quietLogger(),
			Open: func(string, int) (io.ReadWriteCloser, error) { opened = true; return dev, nil },
		})
		if Code(err) != "DriverNotFound" || opened {
			t.Fatalf("err=%v opened=%v", err, opened)
		}
	})

	t.Run("device cannot be opened", func(t *testing.T) {
		_, err := Load(context.Background(), newReg(newFakeDriver()), SessionConfig{
			Device: "/dev/x", Driver: "fake", Log: quietLogger(),
			Open: func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("no such file") },
		})
		if Code(err) != "DeviceUnavailable" {
			t.Fatalf("err=%v", err)
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		dev := &fakeDevice{}
		_, err := Load(context.Background(), newReg(newFakeDriver()), SessionConfig{
			Device: "/dev/x", Driver: "ic-705", Log: quietLogger(), Open: okOpen(dev),
		})
		if Code(err) != "DriverNotFound" || !dev.closed.Load() {
			t.Fatalf("err=%v closed=%v", err, dev.closed.Load())
		}
	})

	t.Run("initialize fails", func(t *testing.T) {
		dev := &fakeDevice{}
		drv := newFakeDriver()
		drv.initErr = errors.New("no answer")
		_, err := Load(context.Background(), newReg(drv), SessionConfig{
			Device: "/dev/x", Driver: "fake", Log: quietLogger(), Open: okOpen(dev),
		})
		if Code(err) != "DriverFault" || !dev.closed.Load() {
			t.Fatalf("err=%v closed=%v", err, dev.closed.Load())
		}
	})
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrDeviceTimeout, "DeviceTimeout"},
		{errors.Wrap(ErrDriverNotFound, "x"), "DriverNotFound"},
		{tag(ErrDeviceIO, io.EOF), "DeviceIOError"},
		{tag(ErrControllerClosed, tag(ErrDeviceIO, io.EOF)), "ControllerClosed"},
		{tag(ErrDriverFault, tag(ErrDeviceIO, io.EOF)), "DriverFault"},
		{errors.New("anything"), "DriverFault"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestSession_SubscribeRacingTeardownIsRefused(t *testing.T) {
	drv := newFakeDriver()
	s, _ := loadFake(t, drv, nil)

	// teardown cleared the fanout after Subscribe already saw the session
	// active.
	s.subs.clear()

	sub := newRecorder("late")
	if err := s.Subscribe(sub); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("err=%v", err)
	}
	sub.none(t)
	if n := s.subs.len(); n != 0 {
		t.Fatalf("subscribers=%d", n)
	}

	s.Shutdown()
	if err := s.Subscribe(sub); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("after shutdown err=%v", err)
	}
}
