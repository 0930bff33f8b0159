package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/jobs"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/store"
)

const (
	defaultSeriesLimit = 50
	maxSeriesLimit     = 500
	defaultJobLimit    = 50
	maxJobLimit        = 500
)

type scrapeSeriesRequest struct {
	URL            string `json:"url"`
	ScrapeChapters bool   `json:"scrape_chapters"`
}

type scrapeChapterRequest struct {
	Force bool `json:"force"`
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultSeriesLimit, maxSeriesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	series, err := s.catalog.ListSeries(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list series failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list series")
		return
	}
	if series == nil {
		series = []scrape.Series{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "series_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid series id")
		return
	}
	series, err := s.catalog.GetSeries(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "series not found")
		return
	}
	if err != nil {
		s.logger.Error("get series failed", zap.Int64("series_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch series")
		return
	}
	chapters, err := s.catalog.ListChapters(r.Context(), id)
	if err != nil {
		s.logger.Error("list chapters failed", zap.Int64("series_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch chapters")
		return
	}
	if chapters == nil {
		chapters = []scrape.Chapter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series, "chapters": chapters})
}

func (s *Server) scrapeSeries(w http.ResponseWriter, r *http.Request) {
	var req scrapeSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	job, err := s.ops.EnqueueSeriesScrape(r.Context(), req.URL, req.ScrapeChapters)
	if errors.Is(err, scrape.ErrAdapterNotFound) {
		writeError(w, http.StatusBadRequest, "unsupported site")
		return
	}
	if err != nil {
		s.logger.Error("enqueue series scrape failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) syncSeries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "series_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid series id")
		return
	}
	job, err := s.ops.EnqueueFullSync(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "series not found")
		return
	}
	if err != nil {
		s.logger.Error("enqueue full sync failed", zap.Int64("series_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) scrapeChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "chapter_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}
	var req scrapeChapterRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	job, err := s.ops.EnqueueChapterScrape(r.Context(), id, req.Force)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chapter not found")
		return
	}
	if errors.Is(err, scrape.ErrAdapterNotFound) {
		writeError(w, http.StatusBadRequest, "unsupported site")
		return
	}
	if err != nil {
		s.logger.Error("enqueue chapter scrape failed", zap.Int64("chapter_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) downloadChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "chapter_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}
	job, err := s.ops.EnqueueDownload(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chapter not found")
		return
	}
	if err != nil {
		s.logger.Error("enqueue download failed", zap.Int64("chapter_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.JobFilter{
		Status: scrape.JobStatus(r.URL.Query().Get("status")),
		Type:   scrape.JobType(r.URL.Query().Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("series_id"); raw != "" {
		seriesID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid series_id filter")
			return
		}
		filter.SeriesID = &seriesID
	}
	list, err := s.ops.Jobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []scrape.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.ops.Job(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Int64("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.ops.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, jobs.ErrJobTerminal) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if err != nil {
		s.logger.Error("cancel job failed", zap.Int64("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "job_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.ops.Retry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, jobs.ErrJobNotRetryable) {
		writeError(w, http.StatusConflict, "job is not in a retryable state")
		return
	}
	if err != nil {
		s.logger.Error("retry job failed", zap.Int64("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func parseLimitOffset(r *http.Request, def, max int) (int, int, error) {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if parsed > max {
			parsed = max
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = parsed
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
