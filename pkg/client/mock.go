package client

import (
	"sync"
	"time"
)

// MockClient has the Client's outward surface but never touches the
// network: Connect and Disconnect are no-ops, Send records into the
// OnSend hook, and Produce applies an in-place mutation to the local
// snapshot and notifies listeners. Test harnesses drive actor-facing code
// with it.
type MockClient struct {
	// OnSend observes every event handed to Send.
	OnSend func(event any)

	mu        sync.Mutex
	state     *Snapshot
	listeners map[int]func(*Snapshot)
	nextID    int
	sent      []any
}

// NewMock builds a mock seeded with an initial snapshot (nil for empty).
func NewMock(initial *Snapshot) *MockClient {
	state := initial
	if state == nil {
		state = emptySnapshot()
	}
	return &MockClient{
		state:     state,
		listeners: make(map[int]func(*Snapshot)),
	}
}

func (m *MockClient) Connect() error { return nil }

func (m *MockClient) Disconnect() {}

// Send records the event; nothing crosses a wire.
func (m *MockClient) Send(event any) error {
	m.mu.Lock()
	m.sent = append(m.sent, event)
	hook := m.OnSend
	m.mu.Unlock()

	if hook != nil {
		hook(event)
	}
	return nil
}

// Sent returns every event handed to Send, in order.
func (m *MockClient) Sent() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockClient) GetState() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.state)
}

func (m *MockClient) Subscribe(listener func(*Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Produce applies a user-supplied in-place mutator to the local snapshot
// and notifies listeners, standing in for a server-driven state change.
func (m *MockClient) Produce(recipe func(*Snapshot)) {
	m.mu.Lock()
	next := cloneSnapshot(m.state)
	recipe(next)
	m.state = next
	listeners := make([]func(*Snapshot), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(cloneSnapshot(next))
	}
}

// WaitFor matches Client.WaitFor against Produce-driven changes.
func (m *MockClient) WaitFor(predicate func(*Snapshot) bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	done := make(chan struct{})
	var once sync.Once

	unsubscribe := m.Subscribe(func(s *Snapshot) {
		if predicate(s) {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if predicate(m.GetState()) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}
