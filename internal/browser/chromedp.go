package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/tsukimori/mangahive/internal/scrape"
)

// DriverConfig controls the shared Chrome allocator.
type DriverConfig struct {
	UserAgent string
}

// ChromedpDriver creates sessions as tabs of a single headless Chrome
// allocator owned by the driver.
type ChromedpDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewChromedpDriver starts the exec allocator. Chrome itself launches lazily
// with the first session.
func NewChromedpDriver(cfg DriverConfig) *ChromedpDriver {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromedpDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

// NewSession opens a fresh tab and warms it up with a blank navigation so
// session startup cost is paid here, not on the first real fetch.
func (d *ChromedpDriver) NewSession(ctx context.Context) (Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.allocCtx)
	warmCtx, cancel := deriveTimeout(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(warmCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &chromedpTab{ctx: tabCtx, cancel: tabCancel}, nil
}

// Close tears down the allocator and with it every remaining tab.
func (d *ChromedpDriver) Close() {
	d.allocCancel()
}

type chromedpTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *chromedpTab) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (t *chromedpTab) Title(ctx context.Context) (string, error) {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	var title string
	if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

// Selectors Cloudflare injects while a challenge is running.
const challengeMarkerJS = `document.querySelector('#challenge-running') !== null ||
	document.querySelector('.cf-browser-verification') !== null`

func (t *chromedpTab) HasChallengeMarker(ctx context.Context) (bool, error) {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	var pending bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(challengeMarkerJS, &pending)); err != nil {
		return false, fmt.Errorf("evaluate challenge marker: %w", err)
	}
	return pending, nil
}

func (t *chromedpTab) WaitVisible(ctx context.Context, selector string) error {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %q: %w", selector, err)
	}
	return nil
}

func (t *chromedpTab) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

func (t *chromedpTab) Cookies(ctx context.Context) ([]scrape.Cookie, error) {
	runCtx, cancel := deriveTimeout(t.ctx, ctx)
	defer cancel()
	var cookies []scrape.Cookie
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(cdpCtx context.Context) error {
		raw, err := storage.GetCookies().Do(cdpCtx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			cookies = append(cookies, scrape.Cookie{Name: c.Name, Value: c.Value})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return cookies, nil
}

func (t *chromedpTab) Close() error {
	t.cancel()
	return nil
}

// deriveTimeout builds a run context on the tab's chromedp chain and forwards
// cancellation from the caller's context, which lives on a separate chain.
func deriveTimeout(tabCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := callerCtx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(tabCtx)
	}
	stop := forwardCancel(callerCtx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
