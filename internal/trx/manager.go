package trx

import (
	"context"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Options struct {
	CommandTimeout time.Duration
	PollInterval   time.Duration
	// IdleTimeout is how long an on-demand session survives without users.
	IdleTimeout time.Duration

	Open OpenFunc
	Log  logrus.FieldLogger
}

// DeviceConfig names a transceiver that is opened at startup and kept open.
type DeviceConfig struct {
	Name   string
	Device string
	Driver string
	Speed  int
}

type entry struct {
	s      *Session
	refs   int
	pinned bool
	idle   *time.Timer
}

// Manager keeps the live sessions. Configured sessions are pinned; sessions
// opened on demand are reference counted and closed after IdleTimeout
// without users.
type Manager struct {
	reg  *Registry
	opts Options
	log  logrus.FieldLogger

	sessions cmap.ConcurrentMap[string, *entry]

	// mu guards reference counting and the loading set. Acquire loads
	// without it so a slow device does not stall lookups.
	mu      sync.Mutex
	def     string
	loading map[string]chan struct{}
	closed  bool
}

func NewManager(reg *Registry, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Manager{
		reg:      reg,
		opts:     opts,
		log:      opts.Log,
		sessions: cmap.New[*entry](),
		loading:  make(map[string]chan struct{}),
	}
}

func (m *Manager) sessionConfig(name, device, driver string, speed int) SessionConfig {
	return SessionConfig{
		Name:           name,
		Device:         device,
		Driver:         driver,
		Speed:          speed,
		CommandTimeout: m.opts.CommandTimeout,
		PollInterval:   m.opts.PollInterval,
		Open:           m.opts.Open,
		Log:            m.log,
		OnClose:        m.forget,
	}
}

// Open loads a configured transceiver. The first one opened is the default
// target for requests that name none.
func (m *Manager) Open(ctx context.Context, dc DeviceConfig) (*Session, error) {
	if dc.Name == "" {
		dc.Name = dc.Device
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions.Has(dc.Name) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "transceiver %q already open", dc.Name)
	}
	if _, ok := m.byDevice(dc.Device); ok || m.loading[dc.Device] != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "device %s already open", dc.Device)
	}
	s, err := Load(ctx, m.reg, m.sessionConfig(dc.Name, dc.Device, dc.Driver, dc.Speed))
	if err != nil {
		return nil, err
	}
	m.sessions.Set(dc.Name, &entry{s: s, pinned: true})
	if m.def == "" {
		m.def = dc.Name
	}
	return s, nil
}

// Get returns the named session; an empty name selects the default.
func (m *Manager) Get(name string) (*Session, error) {
	if name == "" {
		m.mu.Lock()
		name = m.def
		m.mu.Unlock()
		if name == "" {
			return nil, errors.Wrap(ErrDeviceUnavailable, "no transceiver configured")
		}
	}
	e, ok := m.sessions.Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "no transceiver %q", name)
	}
	return e.s, nil
}

// Acquire returns the session for device, loading it with driver on first
// use. Every Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, device, driver string) (*Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrControllerClosed
		}
		if e, ok := m.byDevice(device); ok {
			defer m.mu.Unlock()
			if e.s.Descriptor().Name != driver {
				return nil, errors.Wrapf(ErrDeviceUnavailable, "device %s is driven by %s", device, e.s.Descriptor().Name)
			}
			e.refs++
			if e.idle != nil {
				e.idle.Stop()
				e.idle = nil
			}
			return e.s, nil
		}
		wait, busy := m.loading[device]
		if !busy {
			break
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, tag(ErrDeviceTimeout, errors.Wrapf(ctx.Err(), "waiting for %s to open", device))
		}
	}
	done := make(chan struct{})
	m.loading[device] = done
	m.mu.Unlock()

	s, err := Load(ctx, m.reg, m.sessionConfig(device, device, driver, 0))

	m.mu.Lock()
	delete(m.loading, device)
	close(done)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		m.mu.Unlock()
		s.Shutdown()
		return nil, ErrControllerClosed
	}
	m.sessions.Set(s.Name(), &entry{s: s, refs: 1})
	m.mu.Unlock()
	return s, nil
}

// Release drops one reference taken by Acquire.
func (m *Manager) Release(s *Session) {
	m.mu.Lock()
	e, ok := m.sessions.Get(s.Name())
	if !ok || e.s != s || e.pinned {
		m.mu.Unlock()
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	if m.opts.IdleTimeout > 0 {
		e.idle = time.AfterFunc(m.opts.IdleTimeout, func() { m.expire(e) })
		m.mu.Unlock()
		return
	}
	m.sessions.Remove(s.Name())
	m.mu.Unlock()
	s.Shutdown()
}

func (m *Manager) expire(e *entry) {
	m.mu.Lock()
	cur, ok := m.sessions.Get(e.s.Name())
	if !ok || cur != e || e.refs > 0 {
		m.mu.Unlock()
		return
	}
	m.sessions.Remove(e.s.Name())
	m.mu.Unlock()

	m.log.WithField("trx", e.s.Name()).Debug("idle session expired")
	e.s.Shutdown()
}

// forget drops a session that closed itself.
func (m *Manager) forget(s *Session) {
	m.sessions.RemoveCb(s.Name(), func(_ string, e *entry, ok bool) bool {
		return ok && e.s == s
	})
}

// byDevice must be called with mu held.
func (m *Manager) byDevice(device string) (*entry, bool) {
	for _, e := range m.sessions.Items() {
		if e.s.Device() == device {
			return e, true
		}
	}
	return nil, false
}

// List describes all live sessions, sorted by name.
func (m *Manager) List() []Info {
	items := m.sessions.Items()
	out := make([]Info, 0, len(items))
	for _, e := range items {
		out = append(out, e.s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Count() int {
	return m.sessions.Count()
}

func (m *Manager) Registry() *Registry {
	return m.reg
}

// Close shuts every session down.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var all []*entry
	for _, name := range m.sessions.Keys() {
		if e, ok := m.sessions.Pop(name); ok {
			if e.idle != nil {
				e.idle.Stop()
			}
			all = append(all, e)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown()
		}(e.s)
	}
	wg.Wait()
}
