package store

import (
	"sort"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Readings are keyed by sensor ID and printer statuses by printer name,
// with new values replacing previous ones.
//
// Subscribers receive events via buffered channels (buffer size 100). Sends
// are non-blocking; if a subscriber's buffer is full, the event is dropped
// for that subscriber.
type MemoryStore struct {
	mu       sync.RWMutex
	readings map[string]SensorReading
	printers map[string]PrinterStatus

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewMemoryStore creates a new in-memory [Store] implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings:    make(map[string]SensorReading),
		printers:    make(map[string]PrinterStatus),
		subscribers: make(map[chan Event]struct{}),
	}
}

// UpdateReading stores a [SensorReading] and notifies all subscribers.
func (m *MemoryStore) UpdateReading(r SensorReading) {
	m.mu.Lock()
	m.readings[r.ID] = r
	m.mu.Unlock()

	m.notifySubscribers(Event{Type: EventReading, Reading: &r})
}

// UpdatePrinter stores a [PrinterStatus]. Subscribers are notified the first
// time a printer is seen and whenever its overall or per-endpoint
// availability changes.
func (m *MemoryStore) UpdatePrinter(p PrinterStatus) {
	p.Endpoints = append([]EndpointStatus(nil), p.Endpoints...)

	m.mu.Lock()
	prev, seen := m.printers[p.Name]
	m.printers[p.Name] = p
	m.mu.Unlock()

	if seen && !availabilityChanged(prev, p) {
		return
	}
	m.notifySubscribers(Event{Type: EventPrinter, Printer: &p})
}

func availabilityChanged(prev, next PrinterStatus) bool {
	if prev.Available != next.Available || len(prev.Endpoints) != len(next.Endpoints) {
		return true
	}
	for i := range next.Endpoints {
		if prev.Endpoints[i].Available != next.Endpoints[i].Available {
			return true
		}
	}
	return false
}

// Readings returns a snapshot of all readings sorted by ID.
func (m *MemoryStore) Readings() []SensorReading {
	m.mu.RLock()
	results := make([]SensorReading, 0, len(m.readings))
	for _, r := range m.readings {
		results = append(results, r)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Printers returns a snapshot of all printer statuses sorted by name.
func (m *MemoryStore) Printers() []PrinterStatus {
	m.mu.RLock()
	results := make([]PrinterStatus, 0, len(m.printers))
	for _, p := range m.printers {
		results = append(results, p)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Subscribe creates a new subscription and returns a channel for receiving events.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends the event to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is slow, drop the message
		}
	}
}
