package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	series   map[int64]scrape.Series
	chapters map[int64]scrape.Chapter
	images   map[int64]scrape.ChapterImage
	jobs     map[int64]scrape.Job
	nextID   int64

	statsRecomputed []int64
	txStarted       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		series:   make(map[int64]scrape.Series),
		chapters: make(map[int64]scrape.Chapter),
		images:   make(map[int64]scrape.ChapterImage),
		jobs:     make(map[int64]scrape.Job),
	}
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	f.mu.Lock()
	f.txStarted++
	f.mu.Unlock()
	return fn(f)
}

func (f *fakeStore) transactions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txStarted
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) UpsertSeries(_ context.Context, data scrape.SeriesData) (scrape.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.series {
		if s.SourceSite == data.SourceSite && s.SourceID == data.SourceID {
			if data.Title != "" {
				s.Title = data.Title
			}
			f.series[s.ID] = s
			return s, nil
		}
	}
	s := scrape.Series{
		ID:         f.id(),
		Slug:       data.Slug,
		SourceSite: data.SourceSite,
		SourceID:   data.SourceID,
		SourceURL:  data.SourceURL,
		Title:      data.Title,
		Status:     data.Status,
		IsActive:   true,
	}
	f.series[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSeries(_ context.Context, id int64) (scrape.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[id]
	if !ok {
		return scrape.Series{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) UpdateSeriesStats(_ context.Context, seriesID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsRecomputed = append(f.statsRecomputed, seriesID)
	s, ok := f.series[seriesID]
	if !ok {
		return store.ErrNotFound
	}
	total := 0
	var latest float64
	for _, ch := range f.chapters {
		if ch.SeriesID == seriesID {
			total++
			if ch.ChapterNumber > latest {
				latest = ch.ChapterNumber
			}
		}
	}
	s.TotalChapters = total
	if total > 0 {
		s.LatestChapter = &latest
	}
	f.series[seriesID] = s
	return nil
}

func (f *fakeStore) TouchSeriesChecked(_ context.Context, seriesID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[seriesID]
	if !ok {
		return store.ErrNotFound
	}
	s.LastCheckedAt = &at
	f.series[seriesID] = s
	return nil
}

func (f *fakeStore) StaleSeries(_ context.Context, cutoff time.Time, limit int) ([]scrape.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scrape.Series
	for _, s := range f.series {
		if !s.IsActive {
			continue
		}
		if s.LastCheckedAt == nil || s.LastCheckedAt.Before(cutoff) {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CreateChapterIfAbsent(_ context.Context, seriesID int64, data scrape.ChapterData) (scrape.Chapter, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chapters {
		if ch.SeriesID == seriesID && ch.ChapterNumber == data.ChapterNumber {
			return ch, false, nil
		}
	}
	ch := scrape.Chapter{
		ID:            f.id(),
		SeriesID:      seriesID,
		ChapterNumber: data.ChapterNumber,
		SourceURL:     data.SourceURL,
		Title:         data.Title,
		ReleaseDate:   data.ReleaseDate,
	}
	f.chapters[ch.ID] = ch
	return ch, true, nil
}

func (f *fakeStore) GetChapter(_ context.Context, id int64) (scrape.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chapters[id]
	if !ok {
		return scrape.Chapter{}, store.ErrNotFound
	}
	return ch, nil
}

func (f *fakeStore) UnscrapedChapters(_ context.Context, seriesID int64, limit int) ([]scrape.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scrape.Chapter
	for _, ch := range f.chapters {
		if ch.SeriesID == seriesID && !ch.IsScraped {
			out = append(out, ch)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkChapterScraped(_ context.Context, chapterID int64, totalImages int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.chapters[chapterID]
	if !ok {
		return store.ErrNotFound
	}
	ch.IsScraped = true
	ch.ScrapedAt = &at
	ch.TotalImages = totalImages
	f.chapters[chapterID] = ch
	return nil
}

func (f *fakeStore) CreateImageIfAbsent(_ context.Context, chapterID int64, page scrape.PageImage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.ChapterID == chapterID && img.PageNumber == page.PageNumber {
			return false, nil
		}
	}
	img := scrape.ChapterImage{
		ID:         f.id(),
		ChapterID:  chapterID,
		PageNumber: page.PageNumber,
		SourceURL:  page.SourceURL,
	}
	f.images[img.ID] = img
	return true, nil
}

func (f *fakeStore) PendingImages(_ context.Context, chapterID int64) ([]scrape.ChapterImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scrape.ChapterImage
	for _, img := range f.images {
		if img.ChapterID == chapterID && !img.IsDownloaded {
			out = append(out, img)
		}
	}
	sortImages(out)
	return out, nil
}

func (f *fakeStore) MarkImageDownloaded(_ context.Context, imageID int64, stored scrape.StoredImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.IsDownloaded = true
	img.StoragePath = stored.Path
	img.StorageURL = stored.URL
	img.FileSize = stored.SizeBytes
	img.ContentType = stored.ContentType
	f.images[imageID] = img
	return nil
}

func (f *fakeStore) CreateJob(_ context.Context, n store.NewJob) (scrape.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxRetries := n.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	job := scrape.Job{
		ID:         f.id(),
		Type:       n.Type,
		Status:     scrape.JobStatusPending,
		SeriesID:   n.SeriesID,
		ChapterID:  n.ChapterID,
		InputData:  n.InputData,
		MaxRetries: maxRetries,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (scrape.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return scrape.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) StampJobExecution(_ context.Context, id int64, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.ExecutionID = executionID
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id int64, executionID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Status != scrape.JobStatusPending && job.Status != scrape.JobStatusRetry {
		return false, nil
	}
	job.Status = scrape.JobStatusRunning
	job.ExecutionID = executionID
	job.StartedAt = &at
	f.jobs[id] = job
	return true, nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id int64, result map[string]any, processed int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = scrape.JobStatusCompleted
	job.ResultData = result
	job.ProcessedItems = processed
	job.CompletedAt = &at
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, id int64, message, traceback string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = scrape.JobStatusFailed
	job.ErrorMessage = message
	job.ErrorTraceback = traceback
	job.CompletedAt = &at
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) ScheduleJobRetry(_ context.Context, id int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = scrape.JobStatusRetry
	job.RetryCount++
	job.ErrorMessage = message
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) CancelJob(_ context.Context, id int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = scrape.JobStatusCancelled
	job.CompletedAt = &at
	f.jobs[id] = job
	return true, nil
}

func (f *fakeStore) ResetJobForRetry(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Status != scrape.JobStatusFailed {
		return false, nil
	}
	job.Status = scrape.JobStatusPending
	job.ExecutionID = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ErrorMessage = ""
	job.ErrorTraceback = ""
	f.jobs[id] = job
	return true, nil
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, id int64, processed, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.ProcessedItems = processed
	job.TotalItems = total
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) PurgeTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	for id, job := range f.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(f.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]scrape.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scrape.Job
	for _, job := range f.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.SeriesID != nil && (job.SeriesID == nil || *job.SeriesID != *filter.SeriesID) {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeStore) jobsByType(jobType scrape.JobType) []scrape.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scrape.Job
	for _, job := range f.jobs {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	return out
}

func (f *fakeStore) setJobCreatedAt(id int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.CreatedAt = at
	f.jobs[id] = job
}

func (f *fakeStore) setJobCompletedAt(id int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.CompletedAt = &at
	f.jobs[id] = job
}

func sortImages(imgs []scrape.ChapterImage) {
	for i := 1; i < len(imgs); i++ {
		for j := i; j > 0 && imgs[j].PageNumber < imgs[j-1].PageNumber; j-- {
			imgs[j], imgs[j-1] = imgs[j-1], imgs[j]
		}
	}
}

// stubAdapter returns canned scrape results.
type stubAdapter struct {
	site            string
	requiresBrowser bool
	seriesData      scrape.SeriesData
	seriesErr       error
	pages           []scrape.PageImage
	chapterErr      error
	seriesCalls     int
	chapterCalls    int
}

func (s *stubAdapter) Site() string          { return s.site }
func (s *stubAdapter) RequiresBrowser() bool { return s.requiresBrowser }

func (s *stubAdapter) ScrapeSeries(_ context.Context, _ string) (scrape.SeriesData, error) {
	s.seriesCalls++
	return s.seriesData, s.seriesErr
}

func (s *stubAdapter) ScrapeChapter(_ context.Context, _ string, _ bool) ([]scrape.PageImage, error) {
	s.chapterCalls++
	return s.pages, s.chapterErr
}

// stubRegistry returns the same adapter for every URL.
type stubRegistry struct {
	adapter scrape.SiteAdapter
	err     error
}

func (r *stubRegistry) ForURL(_ string) (scrape.SiteAdapter, error) {
	return r.adapter, r.err
}

// stubIngestor fails pages listed in failPages.
type stubIngestor struct {
	mu        sync.Mutex
	failPages map[int]bool
	stored    []string
}

func (s *stubIngestor) Store(_ context.Context, sourceURL string, seriesID, chapterID int64, pageNumber int) (scrape.StoredImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPages[pageNumber] {
		return scrape.StoredImage{}, fmt.Errorf("download failed for page %d", pageNumber)
	}
	path := fmt.Sprintf("series/%d/chapters/%d/%03d.jpg", seriesID, chapterID, pageNumber)
	s.stored = append(s.stored, path)
	return scrape.StoredImage{Path: path, URL: "memory://" + path, SizeBytes: 10, ContentType: "image/jpeg"}, nil
}

// stubTracker remembers marked URLs.
type stubTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newStubTracker() *stubTracker {
	return &stubTracker{seen: make(map[string]bool)}
}

func (s *stubTracker) MarkURLScraped(_ context.Context, url string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[url] = true
	return nil
}

func (s *stubTracker) IsURLScraped(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[url], nil
}

// fakeClock is a fixed, advanceable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubLocker grants or denies lock acquisition.
type stubLocker struct {
	mu       sync.Mutex
	denied   bool
	acquired []string
	released []string
}

func (l *stubLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied {
		return false, nil
	}
	l.acquired = append(l.acquired, name)
	return true, nil
}

func (l *stubLocker) ReleaseLock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, name)
	return nil
}
