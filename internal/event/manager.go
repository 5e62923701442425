package event

import (
	"fmt"
	"sync"
)

// Subscriber is a device-level event handler object. The manager owns it
// from Add until Remove, at which point it is closed so its resources
// (eventfds, backend handles) are released.
type Subscriber interface {
	Close() error
}

// SubscriberID identifies a registered subscriber.
type SubscriberID uint64

// Manager is the registration point devices use to hand their event
// handler to the surrounding event-management framework.
type Manager struct {
	mu   sync.Mutex
	next SubscriberID
	subs map[SubscriberID]Subscriber
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{subs: make(map[SubscriberID]Subscriber)}
}

// Add registers a subscriber and returns its id.
func (m *Manager) Add(s Subscriber) SubscriberID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	m.subs[id] = s
	return id
}

// Remove deregisters and closes the subscriber with the given id.
func (m *Manager) Remove(id SubscriberID) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("event: unknown subscriber id %d", id)
	}
	return s.Close()
}
