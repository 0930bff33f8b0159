package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/events"
	"github.com/tsukimori/mangahive/internal/queue"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

// Operation errors surfaced to API callers.
var (
	ErrJobTerminal     = errors.New("job already reached a terminal status")
	ErrJobNotRetryable = errors.New("job is not in a retryable status")
)

// Operations is the control surface for creating and steering jobs. The API
// layer and the maintenance scheduler both drive it.
type Operations struct {
	store     Store
	registry  AdapterRegistry
	queue     queue.Provider
	publisher scrape.Publisher
	clock     scrape.Clock
	logger    *zap.Logger
}

// NewOperations wires the control surface.
func NewOperations(
	st Store,
	registry AdapterRegistry,
	q queue.Provider,
	publisher scrape.Publisher,
	clock scrape.Clock,
	logger *zap.Logger,
) *Operations {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Operations{
		store:     st,
		registry:  registry,
		queue:     q,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// EnqueueSeriesScrape validates the URL against the adapter registry, then
// creates and dispatches a scrape_series job.
func (o *Operations) EnqueueSeriesScrape(ctx context.Context, url string, scrapeChapters bool) (scrape.Job, error) {
	adapter, err := o.registry.ForURL(url)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("no adapter for %s: %w", url, err)
	}
	return o.dispatch(ctx, store.NewJob{
		Type:      scrape.JobTypeScrapeSeries,
		InputData: map[string]any{"url": url, "scrape_chapters": scrapeChapters},
	}, adapter.RequiresBrowser())
}

// EnqueueChapterScrape dispatches a scrape_chapter job for a known chapter.
func (o *Operations) EnqueueChapterScrape(ctx context.Context, chapterID int64, force bool) (scrape.Job, error) {
	chapter, err := o.store.GetChapter(ctx, chapterID)
	if err != nil {
		return scrape.Job{}, err
	}
	adapter, err := o.registry.ForURL(chapter.SourceURL)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("no adapter for %s: %w", chapter.SourceURL, err)
	}
	seriesID := chapter.SeriesID
	return o.dispatch(ctx, store.NewJob{
		Type:      scrape.JobTypeScrapeChapter,
		SeriesID:  &seriesID,
		ChapterID: &chapterID,
		InputData: map[string]any{"force": force},
	}, adapter.RequiresBrowser())
}

// EnqueueDownload dispatches a download_images job for a scraped chapter.
func (o *Operations) EnqueueDownload(ctx context.Context, chapterID int64) (scrape.Job, error) {
	chapter, err := o.store.GetChapter(ctx, chapterID)
	if err != nil {
		return scrape.Job{}, err
	}
	seriesID := chapter.SeriesID
	return o.dispatch(ctx, store.NewJob{
		Type:      scrape.JobTypeDownloadImages,
		SeriesID:  &seriesID,
		ChapterID: &chapterID,
	}, false)
}

// EnqueueUpdateCheck dispatches a check_updates sweep.
func (o *Operations) EnqueueUpdateCheck(ctx context.Context) (scrape.Job, error) {
	return o.dispatch(ctx, store.NewJob{Type: scrape.JobTypeCheckUpdates}, false)
}

// EnqueueFullSync dispatches a full_sync job for one series.
func (o *Operations) EnqueueFullSync(ctx context.Context, seriesID int64) (scrape.Job, error) {
	if _, err := o.store.GetSeries(ctx, seriesID); err != nil {
		return scrape.Job{}, err
	}
	return o.dispatch(ctx, store.NewJob{
		Type:     scrape.JobTypeFullSync,
		SeriesID: &seriesID,
	}, false)
}

// Cancel revokes a job's queue handle and marks it cancelled. Running jobs
// finish their current step; the cancellation takes effect in the store and
// any queued re-run is dropped at pickup. Partial writes are kept.
func (o *Operations) Cancel(ctx context.Context, jobID int64) (scrape.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.Status.IsTerminal() {
		return scrape.Job{}, ErrJobTerminal
	}
	if job.ExecutionID != "" {
		if err := o.queue.Revoke(ctx, job.ExecutionID); err != nil {
			return scrape.Job{}, err
		}
	}
	cancelled, err := o.store.CancelJob(ctx, jobID, o.clock.Now())
	if err != nil {
		return scrape.Job{}, err
	}
	if !cancelled {
		return scrape.Job{}, ErrJobTerminal
	}
	o.publish(ctx, job, scrape.JobStatusCancelled)
	return o.store.GetJob(ctx, jobID)
}

// Retry rewinds a failed job to pending and dispatches it again. Only error
// and timing fields are cleared; the accumulated retry count stands.
func (o *Operations) Retry(ctx context.Context, jobID int64) (scrape.Job, error) {
	reset, err := o.store.ResetJobForRetry(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if !reset {
		return scrape.Job{}, ErrJobNotRetryable
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if err := o.enqueue(ctx, job, o.laneFor(ctx, job)); err != nil {
		return scrape.Job{}, err
	}
	return o.store.GetJob(ctx, jobID)
}

// Job returns one job.
func (o *Operations) Job(ctx context.Context, jobID int64) (scrape.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Jobs lists jobs with an optional status/type filter.
func (o *Operations) Jobs(ctx context.Context, filter store.JobFilter) ([]scrape.Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// Series returns one tracked series.
func (o *Operations) Series(ctx context.Context, seriesID int64) (scrape.Series, error) {
	return o.store.GetSeries(ctx, seriesID)
}

func (o *Operations) dispatch(ctx context.Context, n store.NewJob, requiresBrowser bool) (scrape.Job, error) {
	job, err := o.store.CreateJob(ctx, n)
	if err != nil {
		return scrape.Job{}, err
	}
	if err := o.enqueue(ctx, job, queue.LaneFor(job.Type, requiresBrowser)); err != nil {
		return scrape.Job{}, err
	}
	return o.store.GetJob(ctx, job.ID)
}

func (o *Operations) enqueue(ctx context.Context, job scrape.Job, lane queue.Lane) error {
	handle, err := o.queue.Enqueue(ctx, queue.Task{
		Type:  job.Type,
		Lane:  lane,
		JobID: job.ID,
		Args:  job.InputData,
	})
	if err != nil {
		return fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}
	if err := o.store.StampJobExecution(ctx, job.ID, handle); err != nil {
		return err
	}
	return nil
}

// laneFor re-derives a lane for user-requested re-runs, where the original
// enqueue context is gone.
func (o *Operations) laneFor(ctx context.Context, job scrape.Job) queue.Lane {
	requiresBrowser := false
	if url, ok := job.InputData["url"].(string); ok {
		if adapter, err := o.registry.ForURL(url); err == nil {
			requiresBrowser = adapter.RequiresBrowser()
		}
	} else if job.ChapterID != nil {
		if chapter, err := o.store.GetChapter(ctx, *job.ChapterID); err == nil {
			if adapter, err := o.registry.ForURL(chapter.SourceURL); err == nil {
				requiresBrowser = adapter.RequiresBrowser()
			}
		}
	}
	return queue.LaneFor(job.Type, requiresBrowser)
}

func (o *Operations) publish(ctx context.Context, job scrape.Job, status scrape.JobStatus) {
	if o.publisher == nil {
		return
	}
	event := events.JobEvent{
		JobID:       job.ID,
		ExecutionID: job.ExecutionID,
		Type:        job.Type,
		Status:      status,
		SeriesID:    job.SeriesID,
		ChapterID:   job.ChapterID,
		At:          o.clock.Now(),
	}
	if _, err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("event publish failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}
