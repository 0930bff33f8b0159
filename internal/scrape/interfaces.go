package scrape

import (
	"context"
	"time"
)

// SiteAdapter extracts structured records from a source site. Implementations
// are registered by hostname and consumed by the orchestrator; the core never
// parses site HTML itself.
type SiteAdapter interface {
	// Site returns the canonical source-site name (e.g. "asura").
	Site() string
	// RequiresBrowser reports whether the site only serves real content to a
	// rendered browser session.
	RequiresBrowser() bool
	ScrapeSeries(ctx context.Context, url string) (SeriesData, error)
	ScrapeChapter(ctx context.Context, url string, forceBrowser bool) ([]PageImage, error)
}

// Fetcher retrieves a page using the configured strategy policy.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// BrowserFetcher fetches a page through a pooled headless-browser session.
type BrowserFetcher interface {
	Fetch(ctx context.Context, url string, waitMarker string, timeout time.Duration) (string, error)
}

// Limiter is the shared per-domain rate limiter and lock service.
type Limiter interface {
	Allow(ctx context.Context, domain string, limit int) (bool, error)
	Remaining(ctx context.Context, domain string, limit int) (int, error)
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// CookieJar caches harvested browser cookies per domain for HTTP reuse.
type CookieJar interface {
	StoreCookies(ctx context.Context, domain string, cookies []Cookie, ttl time.Duration) error
	Cookies(ctx context.Context, domain string) ([]Cookie, error)
}

// ImageIngestor downloads raw image bytes and persists them under a
// retrievable key.
type ImageIngestor interface {
	Store(ctx context.Context, sourceURL string, seriesID, chapterID int64, pageNumber int) (StoredImage, error)
}

// Publisher pushes job lifecycle events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
