package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// CollyClient implements the plain-HTTP strategy on a Colly collector,
// replaying browser-harvested cookies so a cleared challenge carries over to
// cheap HTTP fetches.
type CollyClient struct {
	base   *colly.Collector
	jar    scrape.CookieJar
	logger *zap.Logger
}

// CollyConfig controls the HTTP collector.
type CollyConfig struct {
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
}

// NewCollyClient constructs a configured client. The collector allows URL
// revisits because re-scrapes of the same page are routine here.
func NewCollyClient(cfg CollyConfig, jar scrape.CookieJar, logger *zap.Logger) *CollyClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &CollyClient{base: base, jar: jar, logger: logger}
}

// Get fetches rawURL once and returns its status and body. Challenge bodies
// arrive with their 403/503 status instead of an error so the engine can
// classify them.
func (c *CollyClient) Get(ctx context.Context, rawURL string) (int, string, error) {
	collector := c.base.Clone()
	resultCh := make(chan collyResult, 1)
	var once sync.Once
	send := func(res collyResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		if cookie := c.cookieHeader(ctx, rawURL); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		send(collyResult{status: r.StatusCode, body: string(r.Body)})
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx statuses through OnError; surface the body so
		// challenge pages are classifiable.
		if r != nil && r.StatusCode != 0 {
			send(collyResult{status: r.StatusCode, body: string(r.Body)})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(collyResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return 0, "", fmt.Errorf("visit %s: %w", rawURL, err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}
		return res.status, res.body, res.err
	default:
		return 0, "", errors.New("http fetch produced no result")
	}
}

func (c *CollyClient) cookieHeader(ctx context.Context, rawURL string) string {
	if c.jar == nil {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	cookies, err := c.jar.Cookies(ctx, parsed.Hostname())
	if err != nil {
		c.logger.Debug("cookie lookup failed", zap.String("domain", parsed.Hostname()), zap.Error(err))
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		if cookie.Name == "" {
			continue
		}
		pairs = append(pairs, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(pairs, "; ")
}

type collyResult struct {
	status int
	body   string
	err    error
}
