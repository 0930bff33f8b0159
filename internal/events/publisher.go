// Package events publishes job lifecycle events to an external topic so
// downstream consumers (readers, notifiers) can react without polling the
// job table.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// JobEvent is the payload published when a job changes state.
type JobEvent struct {
	JobID       int64            `json:"job_id"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Type        scrape.JobType   `json:"type"`
	Status      scrape.JobStatus `json:"status"`
	SeriesID    *int64           `json:"series_id,omitempty"`
	ChapterID   *int64           `json:"chapter_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

// PubSubPublisher publishes events to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher creates a client and verifies the topic exists.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return newPublisherWithClient(ctx, client, topicID)
}

func newPublisherWithClient(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubPublisher, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish sends the payload as JSON and waits for the server ack, returning
// the assigned message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

// Close stops the topic publisher and closes the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// NoOpPublisher drops every event. Useful for local runs without Pub/Sub.
type NoOpPublisher struct{}

// Publish does nothing and returns a fixed ID.
func (NoOpPublisher) Publish(_ context.Context, _ any) (string, error) { return "noop", nil }
