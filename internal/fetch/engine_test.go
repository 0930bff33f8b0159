package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/scrape"
)

type stubLimiter struct {
	mu      sync.Mutex
	denials int
	calls   int
	err     error
	domains []string
}

func (l *stubLimiter) Allow(_ context.Context, domain string, _ int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.calls++
	l.domains = append(l.domains, domain)
	if l.denials > 0 {
		l.denials--
		return false, nil
	}
	return true, nil
}

func (l *stubLimiter) Remaining(context.Context, string, int) (int, error) { return 0, nil }

func (l *stubLimiter) AcquireLock(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (l *stubLimiter) ReleaseLock(context.Context, string) error { return nil }

type stubHTTP struct {
	mu        sync.Mutex
	responses []httpResponse
	calls     int
}

type httpResponse struct {
	status int
	body   string
	err    error
}

func (h *stubHTTP) Get(context.Context, string) (int, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.calls
	if idx >= len(h.responses) {
		idx = len(h.responses) - 1
	}
	h.calls++
	r := h.responses[idx]
	return r.status, r.body, r.err
}

type stubBrowser struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (b *stubBrowser) Fetch(context.Context, string, string, time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.content, b.err
}

func newTestEngine(limiter *stubLimiter, browser *stubBrowser, http *stubHTTP) *Engine {
	return NewEngine(limiter, browser, http, Config{
		DefaultLimit:  10,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		RateLimitWait: time.Millisecond,
	}, zap.NewNop())
}

func TestFetchHTTPSuccess(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{content: "browser content"}
	httpc := &stubHTTP{responses: []httpResponse{{status: 200, body: "<html>series</html>"}}}
	e := newTestEngine(limiter, browser, httpc)

	res, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	require.NoError(t, err)
	require.Equal(t, scrape.StrategyHTTP, res.Strategy)
	require.Equal(t, "<html>series</html>", res.Content)
	require.Zero(t, browser.calls)
	require.Equal(t, []string{"mgeko.cc"}, limiter.domains)
}

func TestChallengeFallsBackToBrowserExactlyOnce(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{content: "<html>real content</html>"}
	httpc := &stubHTTP{responses: []httpResponse{
		{status: 503, body: "<html>Just a moment...</html>"},
	}}
	e := newTestEngine(limiter, browser, httpc)

	res, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://asuracomic.net/series/x"})
	require.NoError(t, err)
	require.Equal(t, scrape.StrategyBrowser, res.Strategy)
	require.Equal(t, "<html>real content</html>", res.Content)
	require.Equal(t, 1, browser.calls, "browser fallback must run exactly once")
	require.Equal(t, 1, httpc.calls, "a challenged page must not be retried over http")
}

func TestChallengeIndicatorsRequireBlockedStatus(t *testing.T) {
	t.Parallel()

	// A 200 mentioning cloudflare (e.g. in a footer) is not a challenge.
	require.False(t, isChallenge(200, "protected by cloudflare"))
	require.True(t, isChallenge(403, "cf-browser-verification"))
	require.True(t, isChallenge(503, "Checking your browser before accessing"))
	require.True(t, isChallenge(503, "window._cf_chl_opt"))
	require.False(t, isChallenge(503, "service restarting"))
}

func TestNonChallengeErrorStatusDoesNotFallBack(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{content: "never"}
	httpc := &stubHTTP{responses: []httpResponse{{status: 404, body: "not found"}}}
	e := newTestEngine(limiter, browser, httpc)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/gone"})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 404, fetchErr.StatusCode)
	require.Zero(t, browser.calls)
}

func TestTransientErrorsConsumeRetryBudget(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{}
	httpc := &stubHTTP{responses: []httpResponse{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{status: 200, body: "recovered"},
	}}
	e := newTestEngine(limiter, browser, httpc)

	res, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	require.NoError(t, err)
	require.Equal(t, "recovered", res.Content)
	require.Equal(t, 3, httpc.calls)
}

func TestRetryBudgetExhaustedReturnsFetchError(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{}
	httpc := &stubHTTP{responses: []httpResponse{{err: errors.New("connection reset")}}}
	e := newTestEngine(limiter, browser, httpc)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	var fetchErr *scrape.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, 3, httpc.calls)
}

func TestForceBrowserSkipsHTTP(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{}
	browser := &stubBrowser{content: "rendered"}
	httpc := &stubHTTP{responses: []httpResponse{{status: 200, body: "unused"}}}
	e := newTestEngine(limiter, browser, httpc)

	res, err := e.Fetch(context.Background(), scrape.FetchRequest{
		URL:          "https://manhwatop.com/manga/x",
		ForceBrowser: true,
	})
	require.NoError(t, err)
	require.Equal(t, scrape.StrategyBrowser, res.Strategy)
	require.Zero(t, httpc.calls)
	require.Equal(t, 1, browser.calls)
}

func TestRateLimitBlocksUntilAllowed(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{denials: 2}
	browser := &stubBrowser{}
	httpc := &stubHTTP{responses: []httpResponse{{status: 200, body: "ok"}}}
	e := NewEngine(limiter, browser, httpc, Config{
		DefaultLimit:  1,
		MaxAttempts:   1,
		RateLimitWait: time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Fetch(ctx, scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)
	require.Equal(t, 3, limiter.calls)
}

func TestStoreFailureNeverProceedsUnlimited(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{err: scrape.StoreError("rate incr", errors.New("redis down"))}
	browser := &stubBrowser{}
	httpc := &stubHTTP{responses: []httpResponse{{status: 200, body: "ok"}}}
	e := newTestEngine(limiter, browser, httpc)

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	require.ErrorIs(t, err, scrape.ErrStoreUnavailable)
	require.Zero(t, httpc.calls)
	require.Zero(t, browser.calls)
}

func TestDomainLimitOverride(t *testing.T) {
	t.Parallel()

	limiter := &recordingLimiter{}
	httpc := &stubHTTP{responses: []httpResponse{{status: 200, body: "ok"}}}
	e := NewEngine(limiter, &stubBrowser{}, httpc, Config{
		DefaultLimit: 30,
		DomainLimits: map[string]int{"asuracomic.net": 5},
		MaxAttempts:  1,
	}, zap.NewNop())

	_, err := e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://asuracomic.net/series/x"})
	require.NoError(t, err)
	require.Equal(t, 5, limiter.lastLimit)

	_, err = e.Fetch(context.Background(), scrape.FetchRequest{URL: "https://mgeko.cc/manga/x"})
	require.NoError(t, err)
	require.Equal(t, 30, limiter.lastLimit)
}

type recordingLimiter struct {
	stubLimiter
	lastLimit int
}

func (l *recordingLimiter) Allow(ctx context.Context, domain string, limit int) (bool, error) {
	l.lastLimit = limit
	return l.stubLimiter.Allow(ctx, domain, limit)
}
