package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"chat_realtime/internal/feed"
)

// Emitted is one successful MockTransport.Emit.
type Emitted struct {
	Event   string
	Payload any
}

// MockTransport is an in-memory Transport for tests. Emits are recorded,
// inbound events are injected with Deliver, and connection changes with
// SetConnected.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	emitted   []Emitted
	attempts  int
	emitErr   error

	registry Registry
	states   *feed.Feed[bool]
}

func NewMockTransport(connected bool) *MockTransport {
	return &MockTransport{
		connected: connected,
		states:    feed.New[bool](),
	}
}

func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) Emit(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if !m.connected {
		return ErrNotConnected
	}
	if m.emitErr != nil {
		return m.emitErr
	}
	m.emitted = append(m.emitted, Emitted{Event: event, Payload: payload})
	return nil
}

func (m *MockTransport) ConnectionState() (<-chan bool, func()) {
	return m.states.Subscribe(16)
}

func (m *MockTransport) On(event string, handler Handler) {
	m.registry.Add(event, handler)
}

// SetConnected flips the connection flag and notifies subscribers on change.
func (m *MockTransport) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()

	if changed {
		m.states.Publish(connected)
	}
}

// FailEmits makes every Emit return err until called again with nil.
func (m *MockTransport) FailEmits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErr = err
}

// Deliver injects an inbound event. payload may be raw JSON ([]byte,
// json.RawMessage, string) or a value to marshal.
func (m *MockTransport) Deliver(event string, payload any) bool {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			panic(fmt.Sprintf("mock transport: marshal %s: %v", event, err))
		}
		raw = data
	}
	return m.registry.Dispatch(event, raw)
}

// Emitted returns successful emits of event, or of every event when empty.
func (m *MockTransport) Emitted(event string) []Emitted {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Emitted
	for _, e := range m.emitted {
		if event == "" || e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (m *MockTransport) Count(event string) int {
	return len(m.Emitted(event))
}

// Attempts counts every Emit call, including failed ones.
func (m *MockTransport) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = nil
	m.attempts = 0
}
