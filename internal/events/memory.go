package events

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPublisher records published payloads for assertions in tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	payloads []any
}

// NewMemoryPublisher creates an empty recorder.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish appends the payload and returns a sequential ID.
func (m *MemoryPublisher) Publish(_ context.Context, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return fmt.Sprintf("msg-%d", len(m.payloads)), nil
}

// Payloads returns a copy of everything published so far.
func (m *MemoryPublisher) Payloads() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.payloads...)
}
