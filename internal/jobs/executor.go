package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/queue"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	UpsertSeries(ctx context.Context, data scrape.SeriesData) (scrape.Series, error)
	GetSeries(ctx context.Context, id int64) (scrape.Series, error)
	UpdateSeriesStats(ctx context.Context, seriesID int64) error
	TouchSeriesChecked(ctx context.Context, seriesID int64, at time.Time) error
	StaleSeries(ctx context.Context, cutoff time.Time, limit int) ([]scrape.Series, error)

	CreateChapterIfAbsent(ctx context.Context, seriesID int64, data scrape.ChapterData) (scrape.Chapter, bool, error)
	GetChapter(ctx context.Context, id int64) (scrape.Chapter, error)
	UnscrapedChapters(ctx context.Context, seriesID int64, limit int) ([]scrape.Chapter, error)
	MarkChapterScraped(ctx context.Context, chapterID int64, totalImages int, at time.Time) error

	CreateImageIfAbsent(ctx context.Context, chapterID int64, page scrape.PageImage) (bool, error)
	PendingImages(ctx context.Context, chapterID int64) ([]scrape.ChapterImage, error)
	MarkImageDownloaded(ctx context.Context, imageID int64, stored scrape.StoredImage) error

	CreateJob(ctx context.Context, n store.NewJob) (scrape.Job, error)
	GetJob(ctx context.Context, id int64) (scrape.Job, error)
	StampJobExecution(ctx context.Context, id int64, executionID string) error
	ClaimJob(ctx context.Context, id int64, executionID string, at time.Time) (bool, error)
	CompleteJob(ctx context.Context, id int64, result map[string]any, processed int, at time.Time) error
	FailJob(ctx context.Context, id int64, message, traceback string, at time.Time) error
	ScheduleJobRetry(ctx context.Context, id int64, message string) error
	CancelJob(ctx context.Context, id int64, at time.Time) (bool, error)
	ResetJobForRetry(ctx context.Context, id int64) (bool, error)
	UpdateJobProgress(ctx context.Context, id int64, processed, total int) error
	PurgeTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]scrape.Job, error)

	// WithTx runs fn against a store view whose writes commit or roll back
	// as one unit.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// PgStore adapts the Postgres store to the orchestrator's Store surface.
// Transaction callbacks receive a view bound to a single pgx transaction.
type PgStore struct {
	*store.Store
}

// NewPgStore wraps a Postgres store.
func NewPgStore(st *store.Store) PgStore {
	return PgStore{Store: st}
}

func (p PgStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return p.Store.WithTx(ctx, func(tx *store.Store) error {
		return fn(PgStore{Store: tx})
	})
}

// AdapterRegistry resolves the site adapter responsible for a URL.
type AdapterRegistry interface {
	ForURL(rawURL string) (scrape.SiteAdapter, error)
}

// URLTracker deduplicates recently scraped URLs across workers.
type URLTracker interface {
	MarkURLScraped(ctx context.Context, url string, ttl time.Duration) error
	IsURLScraped(ctx context.Context, url string) (bool, error)
}

// ExecutorConfig tunes execution behavior.
type ExecutorConfig struct {
	// RetryDelay is the base wait before a transiently failed job re-runs.
	RetryDelay time.Duration
	// ScrapedURLTTL bounds how long a chapter URL stays deduplicated.
	ScrapedURLTTL time.Duration
	// StaleAfter is the age at which a series is due for an update check.
	StaleAfter time.Duration
	// UpdateBatch caps how many stale series one check_updates run enqueues.
	UpdateBatch int
}

func (c *ExecutorConfig) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.ScrapedURLTTL <= 0 {
		c.ScrapedURLTTL = 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.UpdateBatch <= 0 {
		c.UpdateBatch = 20
	}
}

// Executor runs one job to completion and reports an explicit Outcome.
type Executor struct {
	store    Store
	registry AdapterRegistry
	queue    queue.Provider
	ingestor scrape.ImageIngestor
	tracker  URLTracker
	clock    scrape.Clock
	cfg      ExecutorConfig
	logger   *zap.Logger
}

// NewExecutor wires an executor.
func NewExecutor(
	st Store,
	registry AdapterRegistry,
	q queue.Provider,
	ingestor scrape.ImageIngestor,
	tracker URLTracker,
	clock scrape.Clock,
	cfg ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Executor{
		store:    st,
		registry: registry,
		queue:    q,
		ingestor: ingestor,
		tracker:  tracker,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute dispatches on the job type.
func (e *Executor) Execute(ctx context.Context, job scrape.Job) Outcome {
	switch job.Type {
	case scrape.JobTypeScrapeSeries:
		return e.scrapeSeries(ctx, job)
	case scrape.JobTypeScrapeChapter:
		return e.scrapeChapter(ctx, job)
	case scrape.JobTypeDownloadImages:
		return e.downloadImages(ctx, job)
	case scrape.JobTypeCheckUpdates:
		return e.checkUpdates(ctx, job)
	case scrape.JobTypeFullSync:
		return e.fullSync(ctx, job)
	default:
		return Failed(fmt.Errorf("unknown job type %q", job.Type))
	}
}

func (e *Executor) scrapeSeries(ctx context.Context, job scrape.Job) Outcome {
	url, _ := job.InputData["url"].(string)
	if url == "" {
		return Failed(fmt.Errorf("%s job %d has no url", job.Type, job.ID))
	}
	adapter, err := e.registry.ForURL(url)
	if err != nil {
		return Failed(fmt.Errorf("resolve adapter: %w", err))
	}

	data, err := adapter.ScrapeSeries(ctx, url)
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, fmt.Errorf("scrape series %s: %w", url, err))
	}

	// The series row, its chapter set and the derived stats land atomically.
	// A failure mid-merge must not leave a half-applied chapter list.
	var series scrape.Series
	created := 0
	err = e.store.WithTx(ctx, func(tx Store) error {
		var txErr error
		series, txErr = tx.UpsertSeries(ctx, data)
		if txErr != nil {
			return txErr
		}
		for _, ch := range data.Chapters {
			_, wasNew, chErr := tx.CreateChapterIfAbsent(ctx, series.ID, ch)
			if chErr != nil {
				return chErr
			}
			if wasNew {
				created++
			}
		}
		if txErr := tx.UpdateSeriesStats(ctx, series.ID); txErr != nil {
			return txErr
		}
		return tx.TouchSeriesChecked(ctx, series.ID, e.clock.Now())
	})
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}

	scrapeChapters, _ := job.InputData["scrape_chapters"].(bool)
	enqueued := 0
	if scrapeChapters {
		enqueued, err = e.enqueueUnscrapedChapters(ctx, series.ID, adapter.RequiresBrowser())
		if err != nil {
			return RetryIn(e.cfg.RetryDelay, err)
		}
	}

	return Completed(map[string]any{
		"series_id":         series.ID,
		"chapters_total":    len(data.Chapters),
		"chapters_new":      created,
		"chapters_enqueued": enqueued,
	}, len(data.Chapters))
}

func (e *Executor) enqueueUnscrapedChapters(ctx context.Context, seriesID int64, requiresBrowser bool) (int, error) {
	chapters, err := e.store.UnscrapedChapters(ctx, seriesID, e.cfg.UpdateBatch)
	if err != nil {
		return 0, err
	}
	for _, ch := range chapters {
		chapterID := ch.ID
		if err := e.spawn(ctx, store.NewJob{
			Type:      scrape.JobTypeScrapeChapter,
			SeriesID:  &seriesID,
			ChapterID: &chapterID,
		}, requiresBrowser); err != nil {
			return 0, err
		}
	}
	return len(chapters), nil
}

func (e *Executor) scrapeChapter(ctx context.Context, job scrape.Job) Outcome {
	if job.ChapterID == nil {
		return Failed(fmt.Errorf("scrape_chapter job %d has no chapter", job.ID))
	}
	chapter, err := e.store.GetChapter(ctx, *job.ChapterID)
	if err != nil {
		return Failed(fmt.Errorf("load chapter %d: %w", *job.ChapterID, err))
	}

	force, _ := job.InputData["force"].(bool)
	if !force && e.tracker != nil {
		seen, err := e.tracker.IsURLScraped(ctx, chapter.SourceURL)
		if err == nil && seen {
			return Completed(map[string]any{"skipped": true}, 0)
		}
	}

	adapter, err := e.registry.ForURL(chapter.SourceURL)
	if err != nil {
		return Failed(fmt.Errorf("resolve adapter: %w", err))
	}

	pages, err := adapter.ScrapeChapter(ctx, chapter.SourceURL, adapter.RequiresBrowser())
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, fmt.Errorf("scrape chapter %s: %w", chapter.SourceURL, err))
	}
	if len(pages) == 0 {
		return RetryIn(e.cfg.RetryDelay, fmt.Errorf("no images found at %s", chapter.SourceURL))
	}

	// Image rows, the scraped flag and the series stats land atomically.
	err = e.store.WithTx(ctx, func(tx Store) error {
		for _, page := range pages {
			if _, txErr := tx.CreateImageIfAbsent(ctx, chapter.ID, page); txErr != nil {
				return txErr
			}
		}
		if txErr := tx.MarkChapterScraped(ctx, chapter.ID, len(pages), e.clock.Now()); txErr != nil {
			return txErr
		}
		return tx.UpdateSeriesStats(ctx, chapter.SeriesID)
	})
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}
	if e.tracker != nil {
		if err := e.tracker.MarkURLScraped(ctx, chapter.SourceURL, e.cfg.ScrapedURLTTL); err != nil {
			e.logger.Warn("mark url scraped failed", zap.String("url", chapter.SourceURL), zap.Error(err))
		}
	}

	// Chain the image download so readers get pages without another trigger.
	seriesID := chapter.SeriesID
	chapterID := chapter.ID
	if err := e.spawn(ctx, store.NewJob{
		Type:      scrape.JobTypeDownloadImages,
		SeriesID:  &seriesID,
		ChapterID: &chapterID,
	}, false); err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}

	return Completed(map[string]any{
		"chapter_id": chapter.ID,
		"pages":      len(pages),
	}, len(pages))
}

func (e *Executor) downloadImages(ctx context.Context, job scrape.Job) Outcome {
	if job.ChapterID == nil {
		return Failed(fmt.Errorf("download_images job %d has no chapter", job.ID))
	}
	chapter, err := e.store.GetChapter(ctx, *job.ChapterID)
	if err != nil {
		return Failed(fmt.Errorf("load chapter %d: %w", *job.ChapterID, err))
	}
	pending, err := e.store.PendingImages(ctx, chapter.ID)
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}
	if len(pending) == 0 {
		return Completed(map[string]any{"downloaded": 0, "failed": 0}, 0)
	}

	downloaded, failed := 0, 0
	for i, img := range pending {
		stored, err := e.ingestor.Store(ctx, img.SourceURL, chapter.SeriesID, chapter.ID, img.PageNumber)
		if err != nil {
			// One broken page must not sink the chapter.
			e.logger.Warn("image download failed",
				zap.Int64("chapter_id", chapter.ID),
				zap.Int("page", img.PageNumber),
				zap.Error(err))
			failed++
			continue
		}
		if err := e.store.MarkImageDownloaded(ctx, img.ID, stored); err != nil {
			return RetryIn(e.cfg.RetryDelay, err)
		}
		downloaded++
		if (i+1)%10 == 0 {
			if err := e.store.UpdateJobProgress(ctx, job.ID, i+1, len(pending)); err != nil {
				e.logger.Warn("progress update failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}
	}

	if downloaded == 0 {
		return RetryIn(e.cfg.RetryDelay, fmt.Errorf("all %d downloads failed for chapter %d", failed, chapter.ID))
	}
	return Completed(map[string]any{
		"downloaded": downloaded,
		"failed":     failed,
	}, downloaded)
}

func (e *Executor) checkUpdates(ctx context.Context, job scrape.Job) Outcome {
	// A check scoped to one tracked series refreshes it directly. The sweep
	// form carries no url and fans out one such job per stale series.
	if url, _ := job.InputData["url"].(string); url != "" {
		return e.scrapeSeries(ctx, job)
	}

	cutoff := e.clock.Now().Add(-e.cfg.StaleAfter)
	stale, err := e.store.StaleSeries(ctx, cutoff, e.cfg.UpdateBatch)
	if err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}

	enqueued := 0
	for _, series := range stale {
		adapter, err := e.registry.ForURL(series.SourceURL)
		if err != nil {
			e.logger.Warn("no adapter for tracked series",
				zap.Int64("series_id", series.ID),
				zap.String("url", series.SourceURL))
			continue
		}
		seriesID := series.ID
		if err := e.spawn(ctx, store.NewJob{
			Type:      scrape.JobTypeCheckUpdates,
			SeriesID:  &seriesID,
			InputData: map[string]any{"url": series.SourceURL, "scrape_chapters": true},
		}, adapter.RequiresBrowser()); err != nil {
			return RetryIn(e.cfg.RetryDelay, err)
		}
		// Touch at enqueue so the next check run does not double-enqueue.
		if err := e.store.TouchSeriesChecked(ctx, series.ID, e.clock.Now()); err != nil {
			return RetryIn(e.cfg.RetryDelay, err)
		}
		enqueued++
	}

	return Completed(map[string]any{"series_checked": len(stale), "enqueued": enqueued}, enqueued)
}

func (e *Executor) fullSync(ctx context.Context, job scrape.Job) Outcome {
	if job.SeriesID == nil {
		return Failed(fmt.Errorf("full_sync job %d has no series", job.ID))
	}
	series, err := e.store.GetSeries(ctx, *job.SeriesID)
	if err != nil {
		return Failed(fmt.Errorf("load series %d: %w", *job.SeriesID, err))
	}
	adapter, err := e.registry.ForURL(series.SourceURL)
	if err != nil {
		return Failed(fmt.Errorf("resolve adapter: %w", err))
	}
	seriesID := series.ID
	if err := e.spawn(ctx, store.NewJob{
		Type:      scrape.JobTypeScrapeSeries,
		SeriesID:  &seriesID,
		InputData: map[string]any{"url": series.SourceURL, "scrape_chapters": true},
	}, adapter.RequiresBrowser()); err != nil {
		return RetryIn(e.cfg.RetryDelay, err)
	}
	return Completed(map[string]any{"series_id": series.ID}, 1)
}

// spawn creates a follow-up job and places it on the right lane.
func (e *Executor) spawn(ctx context.Context, n store.NewJob, requiresBrowser bool) error {
	job, err := e.store.CreateJob(ctx, n)
	if err != nil {
		return fmt.Errorf("create %s job: %w", n.Type, err)
	}
	handle, err := e.queue.Enqueue(ctx, queue.Task{
		Type:  job.Type,
		Lane:  queue.LaneFor(job.Type, requiresBrowser),
		JobID: job.ID,
		Args:  n.InputData,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", n.Type, err)
	}
	if err := e.store.StampJobExecution(ctx, job.ID, handle); err != nil {
		return err
	}
	return nil
}
