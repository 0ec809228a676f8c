// Package registry maps (endpoint, session id) pairs to their last known
// conversation, so a session reconstructed with the same identity picks up
// where it left off. The registry is injected into sessions by the
// application's composition root; there is no process-global instance.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/martinjo/ai/proto"
)

// ErrNotFound happens when no conversation is stored for a key.
var ErrNotFound = errors.New("registry: conversation not found")

// Registry stores conversations keyed by (endpoint, session id).
type Registry interface {
	Load(endpoint, id string) ([]proto.Message, error)
	Save(endpoint, id string, messages []proto.Message) error
	Delete(endpoint, id string) error
}

type key struct {
	endpoint string
	id       string
}

// Memory is an in-process [Registry].
type Memory struct {
	mu            sync.RWMutex
	conversations map[key][]proto.Message
}

var _ Registry = &Memory{}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{
		conversations: map[key][]proto.Message{},
	}
}

// Load returns the conversation stored for (endpoint, id).
func (m *Memory) Load(endpoint, id string) ([]proto.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	messages, ok := m.conversations[key{endpoint, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(messages), nil
}

// Save stores the conversation for (endpoint, id).
func (m *Memory) Save(endpoint, id string, messages []proto.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[key{endpoint, id}] = slices.Clone(messages)
	return nil
}

// Delete removes the conversation for (endpoint, id).
func (m *Memory) Delete(endpoint, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, key{endpoint, id})
	return nil
}
