// Package memory provides an in-memory task queue for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tsukimori/mangahive/internal/queue"
)

// Provider is a channel-per-lane queue with the same revocation semantics as
// the Redis implementation.
type Provider struct {
	mu      sync.Mutex
	lanes   map[queue.Lane]chan queue.Task
	revoked map[string]struct{}
	cap     int
	closed  bool
}

// NewProvider constructs a queue whose lanes hold up to capacity tasks.
func NewProvider(capacity int) *Provider {
	return &Provider{
		lanes:   make(map[queue.Lane]chan queue.Task),
		revoked: make(map[string]struct{}),
		cap:     capacity,
	}
}

func (p *Provider) lane(lane queue.Lane) (chan queue.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, queue.ErrClosed
	}
	ch, ok := p.lanes[lane]
	if !ok {
		ch = make(chan queue.Task, p.cap)
		p.lanes[lane] = ch
	}
	return ch, nil
}

// Enqueue pushes a task onto its lane or returns when the context ends.
func (p *Provider) Enqueue(ctx context.Context, task queue.Task) (string, error) {
	if task.ExecutionID == "" {
		task.ExecutionID = uuid.NewString()
	}
	ch, err := p.lane(task.Lane)
	if err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case ch <- task:
		return task.ExecutionID, nil
	}
}

// Dequeue pops the next task on the lane, respecting context cancellation.
func (p *Provider) Dequeue(ctx context.Context, lane queue.Lane) (queue.Task, error) {
	ch, err := p.lane(lane)
	if err != nil {
		return queue.Task{}, err
	}
	select {
	case <-ctx.Done():
		return queue.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-ch:
		return task, nil
	}
}

// Revoke marks the handle so workers drop the task on pickup.
func (p *Provider) Revoke(_ context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[executionID] = struct{}{}
	return nil
}

// IsRevoked reports whether the handle has been revoked.
func (p *Provider) IsRevoked(_ context.Context, executionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.revoked[executionID]
	return ok, nil
}

// Close marks the queue closed. Pending tasks remain readable by lanes
// already handed out.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
