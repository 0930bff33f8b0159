// Package queue defines the task queue the orchestrator dispatches work
// through. The abstraction allows a Redis-backed queue in production and an
// in-memory queue in tests.
package queue

import (
	"context"
	"errors"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// Lane is an execution lane with its own worker pool. Browser work is kept
// off the plain-HTTP lane so a saturated browser pool cannot starve cheap
// fetches.
type Lane string

// Execution lanes.
const (
	LaneScraper    Lane = "scraper"
	LaneBrowser    Lane = "browser"
	LaneDownloader Lane = "downloader"
	LaneScheduler  Lane = "scheduler"
)

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Task is one dispatched unit of work. ExecutionID is assigned at enqueue
// time and is the handle used to revoke the task before a worker picks it up.
type Task struct {
	ExecutionID string         `json:"execution_id"`
	Type        scrape.JobType `json:"type"`
	Lane        Lane           `json:"lane"`
	JobID       int64          `json:"job_id"`
	Args        map[string]any `json:"args,omitempty"`
}

// Provider is the task queue contract.
type Provider interface {
	// Enqueue pushes a task onto its lane and returns the execution handle.
	Enqueue(ctx context.Context, task Task) (string, error)

	// Dequeue blocks until a task is available on the lane or the context
	// ends.
	Dequeue(ctx context.Context, lane Lane) (Task, error)

	// Revoke marks an execution handle so workers drop the task on pickup.
	Revoke(ctx context.Context, executionID string) error

	// IsRevoked reports whether the handle has been revoked.
	IsRevoked(ctx context.Context, executionID string) (bool, error)

	// Close releases queue resources.
	Close() error
}

// LaneFor routes a job type to its lane. Jobs against challenge-walled sites
// go to the browser lane regardless of type.
func LaneFor(jobType scrape.JobType, requiresBrowser bool) Lane {
	if jobType == scrape.JobTypeDownloadImages {
		return LaneDownloader
	}
	if requiresBrowser {
		return LaneBrowser
	}
	if jobType == scrape.JobTypeCheckUpdates || jobType == scrape.JobTypeFullSync {
		return LaneScheduler
	}
	return LaneScraper
}
