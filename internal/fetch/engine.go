// Package fetch implements the per-request strategy engine: rate-limited
// HTTP-first fetching with challenge detection and browser fallback.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// Config controls engine behavior.
type Config struct {
	// DefaultLimit is the per-domain requests-per-minute budget; DomainLimits
	// overrides it per hostname.
	DefaultLimit int
	DomainLimits map[string]int
	// DelayMin/DelayMax bound the randomized human-like delay applied before
	// every request.
	DelayMin time.Duration
	DelayMax time.Duration
	// Browser fetch knobs passed through to the pool.
	BrowserTimeout time.Duration
	// HTTP retry policy: MaxAttempts with exponential backoff between
	// BackoffBase and BackoffCap.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RateLimitWait is the pause before re-checking a full window.
	RateLimitWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 30
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = time.Second
	}
}

// httpClient is the plain-HTTP strategy. The colly-backed implementation is
// the real one; tests substitute a stub.
type httpClient interface {
	Get(ctx context.Context, url string) (status int, body string, err error)
}

// Engine chooses between plain HTTP and a pooled browser session per request,
// detecting challenge pages and falling back when a site proves it needs a
// real browser.
type Engine struct {
	limiter scrape.Limiter
	browser scrape.BrowserFetcher
	http    httpClient
	cfg     Config
	logger  *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(limiter scrape.Limiter, browser scrape.BrowserFetcher, http httpClient, cfg Config, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		limiter: limiter,
		browser: browser,
		http:    http,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch retrieves req.URL. HTTP-first minimizes cost; the browser fallback is
// reserved for requests that prove they need it, decided per request because
// challenge pages are intermittent.
func (e *Engine) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResult, error) {
	domain, err := hostOf(req.URL)
	if err != nil {
		return scrape.FetchResult{}, &scrape.FetchError{URL: req.URL, Err: err}
	}
	if err := e.waitForBudget(ctx, domain); err != nil {
		return scrape.FetchResult{}, err
	}
	if err := e.humanDelay(ctx); err != nil {
		return scrape.FetchResult{}, err
	}

	start := time.Now()
	if req.ForceBrowser {
		content, err := e.browser.Fetch(ctx, req.URL, req.WaitMarker, e.cfg.BrowserTimeout)
		if err != nil {
			return scrape.FetchResult{}, err
		}
		scrape.FetchesTotal.WithLabelValues(string(scrape.StrategyBrowser)).Inc()
		return scrape.FetchResult{Content: content, Strategy: scrape.StrategyBrowser, Duration: time.Since(start)}, nil
	}

	content, err := e.fetchHTTP(ctx, req.URL)
	if err == nil {
		scrape.FetchesTotal.WithLabelValues(string(scrape.StrategyHTTP)).Inc()
		return scrape.FetchResult{Content: content, Strategy: scrape.StrategyHTTP, Duration: time.Since(start)}, nil
	}
	if !errors.Is(err, scrape.ErrChallengeDetected) {
		return scrape.FetchResult{}, err
	}

	e.logger.Info("falling back to browser",
		zap.String("url", req.URL),
		zap.String("reason", err.Error()))
	scrape.BrowserFallbacks.Inc()

	content, err = e.browser.Fetch(ctx, req.URL, req.WaitMarker, e.cfg.BrowserTimeout)
	if err != nil {
		return scrape.FetchResult{}, err
	}
	scrape.FetchesTotal.WithLabelValues(string(scrape.StrategyBrowser)).Inc()
	return scrape.FetchResult{Content: content, Strategy: scrape.StrategyBrowser, Duration: time.Since(start)}, nil
}

// waitForBudget blocks until the domain's rate-limit window admits the
// request. Store failures propagate; fetching must never proceed unlimited.
func (e *Engine) waitForBudget(ctx context.Context, domain string) error {
	limit := e.cfg.DefaultLimit
	if override, ok := e.cfg.DomainLimits[domain]; ok {
		limit = override
	}
	for {
		allowed, err := e.limiter.Allow(ctx, domain, limit)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		e.logger.Debug("rate limited", zap.String("domain", domain))
		scrape.RateLimitWaits.Inc()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-time.After(e.cfg.RateLimitWait):
		}
	}
}

func (e *Engine) humanDelay(ctx context.Context) error {
	if e.cfg.DelayMax <= 0 {
		return nil
	}
	delay := e.cfg.DelayMin
	if spread := e.cfg.DelayMax - e.cfg.DelayMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request delay: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// fetchHTTP attempts the direct strategy with exponential backoff. A detected
// challenge aborts the attempt loop immediately: the page has proven it wants
// a browser, so further HTTP retries only burn the rate budget.
func (e *Engine) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("http retry wait: %w", ctx.Err())
			case <-time.After(e.backoff(attempt)):
			}
		}

		status, body, err := e.http.Get(ctx, rawURL)
		if err != nil {
			lastErr = err
			e.logger.Debug("http fetch attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if isChallenge(status, body) {
			scrape.ChallengesDetected.Inc()
			e.logger.Warn("challenge detected", zap.String("url", rawURL), zap.Int("status", status))
			return "", fmt.Errorf("%w: %s", scrape.ErrChallengeDetected, rawURL)
		}
		if status < 200 || status > 299 {
			return "", &scrape.FetchError{URL: rawURL, StatusCode: status}
		}
		return body, nil
	}
	return "", &scrape.FetchError{URL: rawURL, Err: lastErr}
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.cfg.BackoffBase << (attempt - 1)
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	// Jitter within [delay/2, delay] keeps concurrent retries from stampeding.
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

// Challenge body indicators paired with 403/503 statuses.
var challengeIndicators = []string{
	"just a moment",
	"checking your browser",
	"cf-browser-verification",
	"challenge-platform",
	"cloudflare",
	"_cf_chl",
}

func isChallenge(status int, body string) bool {
	if status != 403 && status != 503 {
		return false
	}
	lower := strings.ToLower(body)
	for _, indicator := range challengeIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}
