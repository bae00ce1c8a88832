// Package trx owns transceiver CAT devices. A Session serializes every
// command against its device, caches the radio state and fans state changes
// out to subscribers.
package trx

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// maxIOErrors consecutive device i/o errors close the session.
const maxIOErrors = 3

type lifecycle int

const (
	lifeUnloaded lifecycle = iota
	lifeActive
	lifeClosed
)

func (l lifecycle) String() string {
	switch l {
	case lifeActive:
		return "active"
	case lifeClosed:
		return "closed"
	default:
		return "unloaded"
	}
}

type Op string

const (
	OpSetFrequency Op = "set-frequency"
	OpGetFrequency Op = "get-frequency"
	OpSetMode      Op = "set-mode"
	OpGetMode      Op = "get-mode"
	OpLock         Op = "lock"
	OpUnlock       Op = "unlock"
	OpGetLock      Op = "get-lock"
)

// IsCommand reports whether op is executed against the device.
func IsCommand(op string) bool {
	switch Op(op) {
	case OpSetFrequency, OpGetFrequency, OpSetMode, OpGetMode, OpLock, OpUnlock, OpGetLock:
		return true
	}
	return false
}

type Command struct {
	Op    Op
	Value string
}

type SessionConfig struct {
	Name   string
	Device string
	Driver string
	Speed  int

	CommandTimeout time.Duration
	PollInterval   time.Duration

	// Open defaults to OpenDevice.
	Open OpenFunc
	Log  logrus.FieldLogger

	// OnClose runs once after the device was closed.
	OnClose func(*Session)
}

// Info describes a session for listings.
type Info struct {
	Name       string     `json:"name"`
	Device     string     `json:"device"`
	Driver     Descriptor `json:"driver"`
	State      State      `json:"state"`
	Status     string     `json:"status"`
	Subscribed int        `json:"subscribers"`
}

type Session struct {
	cfg    SessionConfig
	log    logrus.FieldLogger
	driver Driver
	desc   Descriptor
	dev    io.ReadWriteCloser
	port   *ioPort

	// guard admits one device operation at a time, in arrival order.
	guard *semaphore.Weighted

	mu       sync.Mutex
	life     lifecycle
	state    State
	ioErrors int

	subs *broadcaster

	stop     chan struct{}
	stopOnce sync.Once
	downOnce sync.Once
	wg       sync.WaitGroup
}

// action runs one driver operation and returns the wire result plus the
// change to apply to the cached state.
type action func(d Driver, p Port) (string, func(*State), error)

// Load opens the device, instantiates the driver and brings the session to
// the active state.
func Load(ctx context.Context, reg *Registry, cfg SessionConfig) (*Session, error) {
	if strings.ContainsRune(cfg.Driver, '/') {
		return nil, errors.Wrapf(ErrDriverNotFound, "invalid driver name %q", cfg.Driver)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Device
	}
	if cfg.Open == nil {
		cfg.Open = OpenDevice
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	log := cfg.Log.WithFields(logrus.Fields{"trx": cfg.Name, "device": cfg.Device, "driver": cfg.Driver})

	dev, err := cfg.Open(cfg.Device, cfg.Speed)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = tag(ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	drv, err := reg.New(cfg.Driver)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		log:    log,
		driver: drv,
		desc:   drv.Descriptor(),
		dev:    dev,
		port:   &ioPort{dev: dev, timeout: cfg.CommandTimeout},
		guard:  semaphore.NewWeighted(1),
		subs:   newBroadcaster(),
		stop:   make(chan struct{}),
	}

	if err := s.initialize(ctx); err != nil {
		_ = dev.Close()
		return nil, err
	}

	s.mu.Lock()
	s.life = lifeActive
	s.mu.Unlock()

	if s.desc.StatusUpdatesRequirePolling && cfg.PollInterval > 0 {
		s.wg.Add(1)
		go s.poll()
	}
	log.WithField("modes", strings.Join(s.desc.Modes, ",")).Info("transceiver loaded")
	return s, nil
}

func (s *Session) initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return tag(ErrDeviceTimeout, err)
	}
	s.port.arm()
	defer s.port.disarm()

	if err := s.driver.Initialize(s.port); err != nil {
		return tag(ErrDriverFault, errors.Wrap(err, "initialize"))
	}

	// Seed the cache; radios that cannot answer keep the zero value.
	if hz, err := s.driver.GetFrequency(s.port); err == nil {
		s.state.Frequency = hz
	} else {
		s.log.WithError(err).Debug("initial frequency unknown")
	}
	if m, err := s.driver.GetMode(s.port); err == nil {
		s.state.Mode = m
	}
	if l, err := s.driver.GetLock(s.port); err == nil {
		s.state.Locked = l
	}

	if st, ok := s.driver.(Starter); ok {
		if err := st.Start(s.port, s.report); err != nil {
			return tag(ErrDriverFault, errors.Wrap(err, "start"))
		}
	}
	return nil
}

func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) Device() string { return s.cfg.Device }

func (s *Session) Descriptor() Descriptor { return s.desc }

// State returns the cached state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session reached its final state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.life == lifeClosed
}

func (s *Session) Info() Info {
	s.mu.Lock()
	st, life := s.state, s.life
	s.mu.Unlock()
	return Info{
		Name:       s.cfg.Name,
		Device:     s.cfg.Device,
		Driver:     s.desc,
		State:      st,
		Status:     life.String(),
		Subscribed: s.subs.len(),
	}
}

// Execute validates cmd against the driver's capabilities, then runs it once
// the device is free. It waits at most the command timeout for its turn.
func (s *Session) Execute(ctx context.Context, cmd Command) (string, error) {
	act, err := s.prepare(cmd)
	if err != nil {
		return "", err
	}
	return s.do(ctx, act)
}

func (s *Session) prepare(cmd Command) (action, error) {
	if s.Closed() {
		return nil, ErrControllerClosed
	}
	caps := s.desc.Capabilities
	switch cmd.Op {
	case OpSetFrequency:
		if !caps.Frequency {
			return nil, errors.Wrap(ErrUnsupportedCapability, "frequency is read-only")
		}
		hz, err := strconv.ParseUint(strings.TrimSpace(cmd.Value), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "invalid frequency %q", cmd.Value)
		}
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.SetFrequency(p, hz)
			if err != nil {
				return "", nil, err
			}
			s.log.WithField("frequency", humanize.SIWithDigits(float64(got), 3, "Hz")).Debug("frequency set")
			return strconv.FormatUint(got, 10), func(st *State) { st.Frequency = got }, nil
		}, nil

	case OpGetFrequency:
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.GetFrequency(p)
			if err != nil {
				return "", nil, err
			}
			return strconv.FormatUint(got, 10), func(st *State) { st.Frequency = got }, nil
		}, nil

	case OpSetMode:
		if !caps.Mode {
			return nil, errors.Wrap(ErrUnsupportedCapability, "mode is read-only")
		}
		mode, ok := s.canonicalMode(cmd.Value)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedCapability, "mode %q", cmd.Value)
		}
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.SetMode(p, mode)
			if err != nil {
				return "", nil, err
			}
			return got, func(st *State) { st.Mode = got }, nil
		}, nil

	case OpGetMode:
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.GetMode(p)
			if err != nil {
				return "", nil, err
			}
			return got, func(st *State) { st.Mode = got }, nil
		}, nil

	case OpLock, OpUnlock:
		if !caps.Lock {
			return nil, errors.Wrap(ErrUnsupportedCapability, "lock")
		}
		want := cmd.Op == OpLock
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.SetLock(p, want)
			if err != nil {
				return "", nil, err
			}
			return strconv.FormatBool(got), func(st *State) { st.Locked = got }, nil
		}, nil

	case OpGetLock:
		return func(d Driver, p Port) (string, func(*State), error) {
			got, err := d.GetLock(p)
			if err != nil {
				return "", nil, err
			}
			return strconv.FormatBool(got), func(st *State) { st.Locked = got }, nil
		}, nil
	}
	return nil, errors.Wrapf(ErrProtocol, "unknown command %q", cmd.Op)
}

func (s *Session) canonicalMode(mode string) (string, bool) {
	for _, m := range s.desc.Modes {
		if strings.EqualFold(m, strings.TrimSpace(mode)) {
			return m, true
		}
	}
	return "", false
}

// do runs act under the guard. State is committed before the guard is
// released; subscribers hear about it afterwards.
func (s *Session) do(ctx context.Context, act action) (string, error) {
	wait := ctx
	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}
	if err := s.guard.Acquire(wait, 1); err != nil {
		return "", tag(ErrDeviceTimeout, errors.Wrap(err, "waiting for device"))
	}

	s.mu.Lock()
	life := s.life
	s.mu.Unlock()
	if life != lifeActive {
		s.guard.Release(1)
		return "", ErrControllerClosed
	}

	s.port.arm()
	result, apply, err := act(s.driver, s.port)
	s.port.disarm()
	err = classify(err)

	var (
		changed  bool
		escalate bool
		snap     State
	)
	s.mu.Lock()
	switch {
	case err == nil:
		s.ioErrors = 0
		old := s.state
		if apply != nil {
			apply(&s.state)
		}
		snap = s.state
		changed = snap != old
	case errors.Is(err, ErrDeviceIO):
		s.ioErrors++
		escalate = s.ioErrors >= maxIOErrors
	}
	s.mu.Unlock()

	if escalate {
		s.log.WithError(err).Error("too many device errors, closing")
		s.markClosed()
		s.teardown("device i/o error")
		s.guard.Release(1)
		return "", tag(ErrControllerClosed, err)
	}
	s.guard.Release(1)

	if err != nil {
		return "", err
	}
	if changed {
		s.subs.publish(Event{Kind: EventState, Trx: s.cfg.Name, State: snap})
	}
	return result, nil
}

// report is handed to push-capable drivers.
func (s *Session) report(st State) {
	s.mu.Lock()
	if s.life != lifeActive || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.subs.publish(Event{Kind: EventState, Trx: s.cfg.Name, State: st})
}

// Subscribe adds sub to the event fanout. A new subscriber gets the current
// state right away; subscribing again changes nothing.
func (s *Session) Subscribe(sub Subscriber) error {
	s.mu.Lock()
	closed := s.life == lifeClosed
	st := s.state
	s.mu.Unlock()
	if closed {
		return ErrControllerClosed
	}
	// The fanout refuses once teardown cleared it, so a subscriber never
	// misses the closed event.
	added, open := s.subs.add(sub)
	if !open {
		return ErrControllerClosed
	}
	if added {
		sub.Notify(Event{Kind: EventState, Trx: s.cfg.Name, State: st})
	}
	return nil
}

// Unsubscribe is a no-op for unknown subscribers.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.subs.remove(sub.ID())
}

// Shutdown closes the session. A command holding the device is allowed to
// finish first.
func (s *Session) Shutdown() {
	if !s.markClosed() {
		s.wg.Wait()
		return
	}
	_ = s.guard.Acquire(context.Background(), 1)
	s.teardown("shutdown")
	s.guard.Release(1)
	s.wg.Wait()
}

// markClosed moves the session to closed and reports whether this call did.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life == lifeClosed {
		return false
	}
	s.life = lifeClosed
	s.stopOnce.Do(func() { close(s.stop) })
	return true
}

// teardown must be called with the guard held.
func (s *Session) teardown(reason string) {
	s.downOnce.Do(func() {
		if st, ok := s.driver.(Stopper); ok {
			if err := st.Stop(s.port); err != nil {
				s.log.WithError(err).Warn("driver stop failed")
			}
		}
		if err := s.dev.Close(); err != nil {
			s.log.WithError(err).Debug("device close")
		}
		ev := Event{Kind: EventClosed, Trx: s.cfg.Name, State: s.State(), Reason: reason}
		for _, sub := range s.subs.clear() {
			sub.Notify(ev)
		}
		s.log.WithField("reason", reason).Info("transceiver closed")
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s)
		}
	})
}
