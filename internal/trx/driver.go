package trx

import (
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Capabilities says which settings a driver can change. Reads are always
// allowed.
type Capabilities struct {
	Frequency bool `json:"frequency"`
	Mode      bool `json:"mode"`
	Lock      bool `json:"lock"`
}

// Descriptor is the static description of a driver.
type Descriptor struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Modes        []string     `json:"modes"`
	SubToneModes []string     `json:"subtone_modes,omitempty"`

	// StatusUpdatesRequirePolling is set for radios that never report
	// changes made on the front panel.
	StatusUpdatesRequirePolling bool `json:"polling"`
}

// ValidMode reports whether mode is one of d.Modes (case-insensitive).
func (d Descriptor) ValidMode(mode string) bool {
	for _, m := range d.Modes {
		if strings.EqualFold(m, mode) {
			return true
		}
	}
	return false
}

// Port is the open CAT device as seen by a driver. Failed reads and writes
// come back tagged as ErrDeviceIO or ErrDeviceTimeout.
type Port interface {
	io.Reader
	io.Writer
}

// Driver talks to one family of radios. A session owns its driver instance
// and never calls it concurrently.
type Driver interface {
	Descriptor() Descriptor
	Initialize(p Port) error
	SetFrequency(p Port, hz uint64) (uint64, error)
	GetFrequency(p Port) (uint64, error)
	SetMode(p Port, mode string) (string, error)
	GetMode(p Port) (string, error)
	SetLock(p Port, locked bool) (bool, error)
	GetLock(p Port) (bool, error)
}

// Starter is implemented by drivers that push status changes. report may be
// called from any goroutine until Stop returns.
type Starter interface {
	Start(p Port, report func(State)) error
}

// Stopper is implemented by drivers that need to release resources before
// the device is closed.
type Stopper interface {
	Stop(p Port) error
}

// Factory builds a fresh driver for a session.
type Factory func() Driver

// Registry maps driver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a driver. Registering a name twice replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates the named driver.
func (r *Registry) New(name string) (Driver, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, errors.Wrapf(ErrDriverNotFound, "invalid driver name %q", name)
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrDriverNotFound, "%q", name)
	}
	return f(), nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
