// Package transport defines the socket capability the realtime core runs on:
// a connection flag, fire-and-forget emits of named events, a stream of
// connection-state changes, and named inbound event subscriptions.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("transport send buffer full")
	ErrClosed         = errors.New("transport closed")
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

type Transport interface {
	IsConnected() bool
	// Emit queues event for sending and returns without waiting for the write.
	Emit(event string, payload any) error
	// ConnectionState subscribes to connected/disconnected transitions.
	ConnectionState() (<-chan bool, func())
	On(event string, handler Handler)
}

// Envelope is the frame exchanged on the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("empty event name")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", event, err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope without type")
	}
	return env, nil
}

// Registry maps event names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func (r *Registry) Add(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]Handler)
	}
	r.handlers[event] = append(r.handlers[event], h)
}

// Dispatch calls every handler for event and reports whether any exist.
func (r *Registry) Dispatch(event string, payload json.RawMessage) bool {
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[event]...)
	r.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
	return len(hs) > 0
}
