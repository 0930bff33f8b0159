package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsukimori/mangahive/internal/config"
	"github.com/tsukimori/mangahive/internal/jobs"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

type fakeOps struct {
	job        scrape.Job
	jobsList   []scrape.Job
	err        error
	lastURL    string
	lastForce  bool
	lastFilter store.JobFilter
}

func (f *fakeOps) EnqueueSeriesScrape(_ context.Context, url string, _ bool) (scrape.Job, error) {
	f.lastURL = url
	return f.job, f.err
}

func (f *fakeOps) EnqueueChapterScrape(_ context.Context, _ int64, force bool) (scrape.Job, error) {
	f.lastForce = force
	return f.job, f.err
}

func (f *fakeOps) EnqueueDownload(context.Context, int64) (scrape.Job, error) {
	return f.job, f.err
}

func (f *fakeOps) EnqueueFullSync(context.Context, int64) (scrape.Job, error) {
	return f.job, f.err
}

func (f *fakeOps) Cancel(context.Context, int64) (scrape.Job, error) { return f.job, f.err }
func (f *fakeOps) Retry(context.Context, int64) (scrape.Job, error)  { return f.job, f.err }
func (f *fakeOps) Job(context.Context, int64) (scrape.Job, error)    { return f.job, f.err }

func (f *fakeOps) Jobs(_ context.Context, filter store.JobFilter) ([]scrape.Job, error) {
	f.lastFilter = filter
	return f.jobsList, f.err
}

type fakeCatalog struct {
	series   []scrape.Series
	one      scrape.Series
	chapters []scrape.Chapter
	err      error
}

func (f *fakeCatalog) ListSeries(context.Context, int, int) ([]scrape.Series, error) {
	return f.series, f.err
}

func (f *fakeCatalog) GetSeries(context.Context, int64) (scrape.Series, error) {
	return f.one, f.err
}

func (f *fakeCatalog) ListChapters(context.Context, int64) ([]scrape.Chapter, error) {
	return f.chapters, f.err
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(ops *fakeOps, catalog *fakeCatalog) *Server {
	if ops == nil {
		ops = &fakeOps{}
	}
	if catalog == nil {
		catalog = &fakeCatalog{}
	}
	return NewServer(ops, catalog, nil, config.Config{}, nil)
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_Readyz_DatabaseDown(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeOps{}, &fakeCatalog{}, &fakePinger{err: errors.New("no route")}, config.Config{}, nil)
	rec := do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ScrapeSeries_Succeeds(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{job: scrape.Job{ID: 7, Type: scrape.JobTypeScrapeSeries, Status: scrape.JobStatusPending}}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/series/scrape",
		[]byte(`{"url":"https://www.mgeko.cc/manga/solo-max","scrape_chapters":true}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "https://www.mgeko.cc/manga/solo-max", ops.lastURL)

	var resp struct {
		Job scrape.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(7), resp.Job.ID)
}

func TestServer_ScrapeSeries_MissingURL(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodPost, "/v1/series/scrape", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "url required")
}

func TestServer_ScrapeSeries_UnsupportedSite(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{err: scrape.ErrAdapterNotFound}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/series/scrape",
		[]byte(`{"url":"https://example.com/x"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported site")
}

func TestServer_ScrapeChapter_ForceFlag(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{job: scrape.Job{ID: 3, Type: scrape.JobTypeScrapeChapter}}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/chapters/42/scrape", []byte(`{"force":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, ops.lastForce)
}

func TestServer_ScrapeChapter_NotFound(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{err: store.ErrNotFound}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/chapters/42/scrape", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ScrapeChapter_BadID(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodPost, "/v1/chapters/abc/scrape", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DownloadChapter_Succeeds(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{job: scrape.Job{ID: 4, Type: scrape.JobTypeDownloadImages}}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/chapters/42/download", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_GetSeries_WithChapters(t *testing.T) {
	t.Parallel()

	catalog := &fakeCatalog{
		one:      scrape.Series{ID: 5, Title: "Solo Leveling"},
		chapters: []scrape.Chapter{{ID: 1, SeriesID: 5, ChapterNumber: 1}},
	}
	rec := do(t, newTestServer(nil, catalog), http.MethodGet, "/v1/series/5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Series   scrape.Series    `json:"series"`
		Chapters []scrape.Chapter `json:"chapters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Solo Leveling", resp.Series.Title)
	require.Len(t, resp.Chapters, 1)
}

func TestServer_GetSeries_NotFound(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, &fakeCatalog{err: store.ErrNotFound}), http.MethodGet, "/v1/series/5", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSeries_EmptyIsArray(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodGet, "/v1/series", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"series":[]`)
}

func TestServer_ListJobs_ParsesFilters(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{}
	rec := do(t, newTestServer(ops, nil), http.MethodGet,
		"/v1/jobs?status=failed&type=scrape_series&series_id=9&limit=10&offset=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, scrape.JobStatusFailed, ops.lastFilter.Status)
	require.Equal(t, scrape.JobTypeScrapeSeries, ops.lastFilter.Type)
	require.NotNil(t, ops.lastFilter.SeriesID)
	require.Equal(t, int64(9), *ops.lastFilter.SeriesID)
	require.Equal(t, 10, ops.lastFilter.Limit)
	require.Equal(t, 20, ops.lastFilter.Offset)
}

func TestServer_ListJobs_RejectsBadLimit(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodGet, "/v1/jobs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CancelJob_Terminal(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{err: jobs.ErrJobTerminal}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/jobs/7/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already finished")
}

func TestServer_RetryJob_NotRetryable(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{err: jobs.ErrJobNotRetryable}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/jobs/7/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_RetryJob_Succeeds(t *testing.T) {
	t.Parallel()

	ops := &fakeOps{job: scrape.Job{ID: 7, Status: scrape.JobStatusPending}}
	rec := do(t, newTestServer(ops, nil), http.MethodPost, "/v1/jobs/7/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "topsecret"
	s := NewServer(&fakeOps{}, &fakeCatalog{}, nil, cfg, nil)

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "topsecret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(nil, nil), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
