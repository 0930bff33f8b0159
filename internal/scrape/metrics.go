package scrape

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal tracks fetches by the strategy that actually served them.
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangahive_fetches_total",
		Help: "Pages fetched, labeled by strategy.",
	}, []string{"strategy"})
	// ChallengesDetected tracks anti-bot interstitials seen on HTTP fetches.
	ChallengesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangahive_challenges_detected_total",
		Help: "Challenge pages detected during HTTP fetches.",
	})
	// BrowserFallbacks tracks HTTP fetches promoted to a browser session.
	BrowserFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangahive_browser_fallbacks_total",
		Help: "Fetches that fell back from HTTP to a pooled browser.",
	})
	// RateLimitWaits tracks blocked waits on the per-domain limiter.
	RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangahive_rate_limit_waits_total",
		Help: "Times a fetch waited for the domain rate limit window.",
	})
	// BrowserSessionsActive gauges live pooled browser sessions.
	BrowserSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mangahive_browser_sessions_active",
		Help: "Browser sessions currently tracked by the pool.",
	})
	// BrowserSessionsBusy gauges sessions handed out to callers.
	BrowserSessionsBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mangahive_browser_sessions_busy",
		Help: "Browser sessions currently checked out.",
	})
	// JobsFinished tracks jobs reaching a terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangahive_jobs_finished_total",
		Help: "Jobs that reached a terminal status, labeled by status.",
	}, []string{"status"})
	// ImagesDownloaded tracks chapter images persisted to blob storage.
	ImagesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangahive_images_downloaded_total",
		Help: "Chapter images downloaded and stored.",
	})
)
