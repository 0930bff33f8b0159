// Package scrape defines core types shared across subsystems.
package scrape

import (
	"time"
)

// JobType identifies the kind of work a job performs.
type JobType string

// Job types dispatched onto the task queue.
const (
	JobTypeScrapeSeries   JobType = "scrape_series"
	JobTypeScrapeChapter  JobType = "scrape_chapter"
	JobTypeDownloadImages JobType = "download_images"
	JobTypeCheckUpdates   JobType = "check_updates"
	JobTypeFullSync       JobType = "full_sync"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRetry     JobStatus = "retry"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is the persistent record for one dispatched unit of work.
type Job struct {
	ID             int64           `json:"id"`
	Type           JobType         `json:"type"`
	Status         JobStatus       `json:"status"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	SeriesID       *int64          `json:"series_id,omitempty"`
	ChapterID      *int64          `json:"chapter_id,omitempty"`
	InputData      map[string]any  `json:"input_data,omitempty"`
	ResultData     map[string]any  `json:"result_data,omitempty"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorTraceback string          `json:"error_traceback,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SeriesStatus is the publication state reported by the source site.
type SeriesStatus string

// Series status values.
const (
	SeriesOngoing   SeriesStatus = "ongoing"
	SeriesCompleted SeriesStatus = "completed"
	SeriesHiatus    SeriesStatus = "hiatus"
	SeriesCancelled SeriesStatus = "cancelled"
	SeriesUnknown   SeriesStatus = "unknown"
)

// Series is a tracked manga/manhwa series. Unique by (SourceSite, SourceID).
type Series struct {
	ID            int64        `json:"id"`
	Slug          string       `json:"slug"`
	SourceSite    string       `json:"source_site"`
	SourceID      string       `json:"source_id"`
	SourceURL     string       `json:"source_url"`
	Title         string       `json:"title"`
	TitleAlt      []string     `json:"title_alt,omitempty"`
	Description   string       `json:"description,omitempty"`
	CoverURL      string       `json:"cover_url,omitempty"`
	Status        SeriesStatus `json:"status"`
	Genres        []string     `json:"genres,omitempty"`
	Authors       []string     `json:"authors,omitempty"`
	Artists       []string     `json:"artists,omitempty"`
	TotalChapters int          `json:"total_chapters"`
	LatestChapter *float64     `json:"latest_chapter,omitempty"`
	IsActive      bool         `json:"is_active"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
}

// Chapter is one chapter of a series. Unique by (SeriesID, ChapterNumber).
type Chapter struct {
	ID            int64      `json:"id"`
	SeriesID      int64      `json:"series_id"`
	ChapterNumber float64    `json:"chapter_number"`
	SourceURL     string     `json:"source_url"`
	Title         string     `json:"title,omitempty"`
	ReleaseDate   *time.Time `json:"release_date,omitempty"`
	IsScraped     bool       `json:"is_scraped"`
	ScrapedAt     *time.Time `json:"scraped_at,omitempty"`
	TotalImages   int        `json:"total_images"`
}

// ChapterImage is one page of a chapter, keyed by (ChapterID, PageNumber).
type ChapterImage struct {
	ID           int64  `json:"id"`
	ChapterID    int64  `json:"chapter_id"`
	PageNumber   int    `json:"page_number"`
	SourceURL    string `json:"source_url"`
	StoragePath  string `json:"storage_path,omitempty"`
	StorageURL   string `json:"storage_url,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	IsDownloaded bool   `json:"is_downloaded"`
}

// SeriesData is the structured output of a site adapter's series scrape.
type SeriesData struct {
	SourceSite  string        `json:"source_site"`
	SourceID    string        `json:"source_id"`
	SourceURL   string        `json:"source_url"`
	Slug        string        `json:"slug"`
	Title       string        `json:"title"`
	TitleAlt    []string      `json:"title_alt,omitempty"`
	Description string        `json:"description,omitempty"`
	CoverURL    string        `json:"cover_url,omitempty"`
	Status      SeriesStatus  `json:"status"`
	Genres      []string      `json:"genres,omitempty"`
	Authors     []string      `json:"authors,omitempty"`
	Artists     []string      `json:"artists,omitempty"`
	Chapters    []ChapterData `json:"chapters"`
}

// ChapterData describes one chapter discovered on a series page.
type ChapterData struct {
	ChapterNumber float64    `json:"chapter_number"`
	SourceURL     string     `json:"source_url"`
	Title         string     `json:"title,omitempty"`
	ReleaseDate   *time.Time `json:"release_date,omitempty"`
}

// PageImage describes one image discovered on a chapter page. Page numbers
// follow extraction order.
type PageImage struct {
	PageNumber int    `json:"page_number"`
	SourceURL  string `json:"source_url"`
}

// Strategy names how a page was actually fetched.
type Strategy string

// Fetch strategies.
const (
	StrategyHTTP    Strategy = "http"
	StrategyBrowser Strategy = "browser"
)

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL          string
	WaitMarker   string
	ForceBrowser bool
}

// FetchResult is the outcome of a single successful fetch. It is consumed
// immediately by the site adapter and never persisted.
type FetchResult struct {
	Content  string
	Strategy Strategy
	Duration time.Duration
}

// StoredImage is returned by the image ingestion capability.
type StoredImage struct {
	Path        string `json:"path"`
	URL         string `json:"url"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// Cookie is a harvested browser cookie cached for plain HTTP reuse.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
