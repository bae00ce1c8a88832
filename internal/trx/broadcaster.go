package trx

import "sync"

// State is the cached radio state of a session.
type State struct {
	Frequency uint64 `json:"frequency"`
	Mode      string `json:"mode"`
	Locked    bool   `json:"locked"`
}

type EventKind string

const (
	EventState  EventKind = "state"
	EventClosed EventKind = "closed"
)

// Event is delivered to subscribers after a state change was committed, and
// once more when the session closes.
type Event struct {
	Kind   EventKind
	Trx    string
	State  State
	Reason string
}

// Subscriber receives session events. Notify must not block; slow
// subscribers are expected to drop or buffer on their own.
type Subscriber interface {
	ID() string
	Notify(Event)
}

// broadcaster fans events out to the subscriber set.
type broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]Subscriber)}
}

// add reports whether sub was not subscribed before, and whether the set
// still accepts subscribers.
func (b *broadcaster) add(sub Subscriber) (added, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, false
	}
	if _, ok := b.subs[sub.ID()]; ok {
		return false, true
	}
	b.subs[sub.ID()] = sub
	return true, true
}

func (b *broadcaster) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

func (b *broadcaster) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Notify(ev)
	}
}

// clear drops every subscriber, returns them and refuses later adds.
func (b *broadcaster) clear() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	subs := make([]Subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	return subs
}
