// Package browser manages a bounded pool of headless-browser sessions used to
// fetch pages from challenge-protected sites.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// Driver creates browser sessions. The chromedp implementation is the real
// one; tests substitute a stub so pool policy can be exercised without Chrome.
type Driver interface {
	NewSession(ctx context.Context) (Tab, error)
}

// Tab is one live browser target capable of navigating and rendering pages.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	HasChallengeMarker(ctx context.Context) (bool, error)
	WaitVisible(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]scrape.Cookie, error)
	Close() error
}

// Config controls pool sizing and session retirement.
type Config struct {
	PoolSize      int
	MaxRequests   int
	MaxSessionAge time.Duration
	NavTimeout    time.Duration
	PollInterval  time.Duration
	WaitTimeout   time.Duration
	CookieTTL     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 50
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = 30 * time.Minute
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 15 * time.Second
	}
	if c.CookieTTL <= 0 {
		c.CookieTTL = 2 * time.Hour
	}
}

// ErrPoolClosed is returned from acquisition after Close.
var ErrPoolClosed = errors.New("browser pool closed")

type session struct {
	tab       Tab
	createdAt time.Time
	lastUsed  time.Time
	requests  int
	busy      bool
}

func (s *session) expired(now time.Time, maxRequests int, maxAge time.Duration) bool {
	return s.requests >= maxRequests || now.Sub(s.createdAt) >= maxAge
}

// Pool owns every browser session and hides their lifecycle from callers. No
// session handle escapes an acquire/release pair.
type Pool struct {
	drv    Driver
	jar    scrape.CookieJar
	clock  scrape.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

// NewPool constructs a Pool. jar may be nil when cookie harvesting is not
// wanted (tests, local runs without Redis).
func NewPool(drv Driver, jar scrape.CookieJar, clock scrape.Clock, cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Pool{
		drv:    drv,
		jar:    jar,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// acquire returns an exclusive session, creating one when the pool has room
// and polling when saturated. Session creation and destruction happen outside
// the mutex so a slow browser start never blocks other acquirers.
func (p *Pool) acquire(ctx context.Context) (*session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		now := p.clock.Now()
		var retired []*session
		var found *session
		kept := p.sessions[:0]
		for _, s := range p.sessions {
			if found == nil && !s.busy {
				if s.expired(now, p.cfg.MaxRequests, p.cfg.MaxSessionAge) {
					retired = append(retired, s)
					continue
				}
				s.busy = true
				found = s
			}
			kept = append(kept, s)
		}
		p.sessions = kept
		size := len(p.sessions)
		p.mu.Unlock()

		p.destroy(retired...)
		p.updateGauges()

		if found != nil {
			return found, nil
		}

		if size < p.cfg.PoolSize {
			s, err := p.create(ctx)
			if err != nil {
				return nil, err
			}
			if s != nil {
				return s, nil
			}
			// Lost the slot race while creating; scan again.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire browser session: %w", ctx.Err())
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// create starts a session outside the lock and re-validates pool membership
// before tracking it. Returns (nil, nil) when the slot was lost meanwhile.
func (p *Pool) create(ctx context.Context) (*session, error) {
	tab, err := p.drv.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("create browser session: %w", err)
	}
	now := p.clock.Now()
	s := &session{tab: tab, createdAt: now, lastUsed: now, busy: true}

	p.mu.Lock()
	if p.closed || len(p.sessions) >= p.cfg.PoolSize {
		closed := p.closed
		p.mu.Unlock()
		if err := tab.Close(); err != nil {
			p.logger.Warn("close surplus browser session", zap.Error(err))
		}
		if closed {
			return nil, ErrPoolClosed
		}
		return nil, nil
	}
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	p.logger.Info("browser session created", zap.Int("pool_size", p.ActiveCount()))
	p.updateGauges()
	return s, nil
}

// release returns a session to the pool. Sessions are never destroyed here;
// retirement happens only at acquire time or pool shutdown.
func (p *Pool) release(s *session) {
	p.mu.Lock()
	s.busy = false
	s.requests++
	s.lastUsed = p.clock.Now()
	p.mu.Unlock()
	p.updateGauges()
}

func (p *Pool) destroy(sessions ...*session) {
	for _, s := range sessions {
		if err := s.tab.Close(); err != nil {
			p.logger.Warn("destroy browser session", zap.Error(err))
			continue
		}
		p.logger.Debug("browser session retired",
			zap.Int("requests", s.requests),
			zap.Duration("age", p.clock.Now().Sub(s.createdAt)))
	}
}

// Challenge indicators checked against the page title while waiting.
var challengeTitles = []string{"just a moment", "checking your browser"}

// Fetch navigates a pooled session to url, waits out any challenge
// interstitial, optionally waits for waitMarker, and returns the rendered
// HTML. The session is released on every exit path.
func (p *Pool) Fetch(ctx context.Context, rawURL string, waitMarker string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = p.cfg.WaitTimeout
	}
	s, err := p.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.release(s)

	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavTimeout)
	defer cancel()
	if err := s.tab.Navigate(navCtx, rawURL); err != nil {
		return "", &scrape.FetchError{URL: rawURL, Err: fmt.Errorf("browser navigate: %w", err)}
	}

	p.waitChallenge(ctx, s.tab, timeout)

	if waitMarker != "" {
		waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
		if err := s.tab.WaitVisible(waitCtx, waitMarker); err != nil {
			p.logger.Warn("wait marker not found",
				zap.String("url", rawURL),
				zap.String("selector", waitMarker))
		}
		cancelWait()
	}

	html, err := s.tab.HTML(ctx)
	if err != nil {
		return "", &scrape.FetchError{URL: rawURL, Err: fmt.Errorf("extract html: %w", err)}
	}

	p.harvestCookies(ctx, s.tab, rawURL)
	return html, nil
}

// waitChallenge polls until the challenge indicators clear or timeout
// elapses. Timeout is non-fatal: the caller detects a still-blocked page
// downstream.
func (p *Pool) waitChallenge(ctx context.Context, tab Tab, timeout time.Duration) {
	deadline := p.clock.Now().Add(timeout)
	for p.clock.Now().Before(deadline) {
		if blocked := p.challengePending(ctx, tab); !blocked {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
	p.logger.Warn("challenge wait timed out", zap.Duration("timeout", timeout))
}

func (p *Pool) challengePending(ctx context.Context, tab Tab) bool {
	title, err := tab.Title(ctx)
	if err != nil {
		return true
	}
	lower := strings.ToLower(title)
	for _, indicator := range challengeTitles {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	pending, err := tab.HasChallengeMarker(ctx)
	if err != nil {
		return true
	}
	return pending
}

// harvestCookies stores the session's cookies for the page's domain so plain
// HTTP fetches can reuse a cleared challenge. Best-effort.
func (p *Pool) harvestCookies(ctx context.Context, tab Tab, rawURL string) {
	if p.jar == nil {
		return
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	cookies, err := tab.Cookies(ctx)
	if err != nil || len(cookies) == 0 {
		return
	}
	if err := p.jar.StoreCookies(ctx, parsed.Hostname(), cookies, p.cfg.CookieTTL); err != nil {
		p.logger.Warn("store cookies", zap.String("domain", parsed.Hostname()), zap.Error(err))
		return
	}
	p.logger.Debug("cookies harvested",
		zap.String("domain", parsed.Hostname()),
		zap.Int("count", len(cookies)))
}

// Close destroys every tracked session. Individual destroy failures are
// logged and skipped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	p.destroy(sessions...)
	p.updateGauges()
	p.logger.Info("browser pool closed", zap.Int("sessions", len(sessions)))
}

// ActiveCount returns the number of tracked sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// BusyCount returns the number of sessions currently checked out.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.busy {
			n++
		}
	}
	return n
}

func (p *Pool) updateGauges() {
	scrape.BrowserSessionsActive.Set(float64(p.ActiveCount()))
	scrape.BrowserSessionsBusy.Set(float64(p.BusyCount()))
}
