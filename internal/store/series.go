package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const seriesColumns = `id, slug, source_site, source_id, source_url, title, title_alt,
	description, cover_url, status, genres, authors, artists,
	total_chapters, latest_chapter, is_active, last_checked_at`

// UpsertSeries inserts a series or, when (source_site, source_id) already
// exists, overwrites only the fields the scrape actually produced. Empty
// strings, empty arrays and the unknown status leave the stored value
// untouched.
func (s *Store) UpsertSeries(ctx context.Context, data scrape.SeriesData) (scrape.Series, error) {
	query := `
		INSERT INTO series (slug, source_site, source_id, source_url, title, title_alt,
			description, cover_url, status, genres, authors, artists)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_site, source_id) DO UPDATE SET
			slug        = COALESCE(NULLIF(EXCLUDED.slug, ''), series.slug),
			source_url  = COALESCE(NULLIF(EXCLUDED.source_url, ''), series.source_url),
			title       = COALESCE(NULLIF(EXCLUDED.title, ''), series.title),
			title_alt   = CASE WHEN cardinality(EXCLUDED.title_alt) > 0 THEN EXCLUDED.title_alt ELSE series.title_alt END,
			description = COALESCE(NULLIF(EXCLUDED.description, ''), series.description),
			cover_url   = COALESCE(NULLIF(EXCLUDED.cover_url, ''), series.cover_url),
			status      = CASE WHEN EXCLUDED.status <> 'unknown' THEN EXCLUDED.status ELSE series.status END,
			genres      = CASE WHEN cardinality(EXCLUDED.genres) > 0 THEN EXCLUDED.genres ELSE series.genres END,
			authors     = CASE WHEN cardinality(EXCLUDED.authors) > 0 THEN EXCLUDED.authors ELSE series.authors END,
			artists     = CASE WHEN cardinality(EXCLUDED.artists) > 0 THEN EXCLUDED.artists ELSE series.artists END,
			updated_at  = now()
		RETURNING ` + seriesColumns

	row := s.db.QueryRow(ctx, query,
		data.Slug, data.SourceSite, data.SourceID, data.SourceURL, data.Title,
		emptyToSlice(data.TitleAlt), data.Description, data.CoverURL, string(data.Status),
		emptyToSlice(data.Genres), emptyToSlice(data.Authors), emptyToSlice(data.Artists),
	)
	series, err := scanSeries(row)
	if err != nil {
		return scrape.Series{}, fmt.Errorf("upsert series: %w", err)
	}
	return series, nil
}

// GetSeries fetches a series by primary key.
func (s *Store) GetSeries(ctx context.Context, id int64) (scrape.Series, error) {
	row := s.db.QueryRow(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = $1`, id)
	series, err := scanSeries(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Series{}, ErrNotFound
	}
	if err != nil {
		return scrape.Series{}, fmt.Errorf("get series: %w", err)
	}
	return series, nil
}

// GetSeriesBySource fetches a series by its source identity.
func (s *Store) GetSeriesBySource(ctx context.Context, site, sourceID string) (scrape.Series, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE source_site = $1 AND source_id = $2`,
		site, sourceID)
	series, err := scanSeries(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Series{}, ErrNotFound
	}
	if err != nil {
		return scrape.Series{}, fmt.Errorf("get series by source: %w", err)
	}
	return series, nil
}

// ListSeries returns active series newest first.
func (s *Store) ListSeries(ctx context.Context, limit, offset int) ([]scrape.Series, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE is_active ORDER BY id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []scrape.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("list series: %w", err)
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return out, nil
}

// UpdateSeriesStats recomputes total_chapters and latest_chapter from the
// chapters table. It runs after every series or chapter scrape regardless of
// whether anything changed.
func (s *Store) UpdateSeriesStats(ctx context.Context, seriesID int64) error {
	query := `
		UPDATE series SET
			total_chapters = (SELECT COUNT(*) FROM chapters WHERE series_id = $1),
			latest_chapter = (SELECT MAX(chapter_number) FROM chapters WHERE series_id = $1),
			updated_at     = now()
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, seriesID); err != nil {
		return fmt.Errorf("update series stats: %w", err)
	}
	return nil
}

// TouchSeriesChecked records that an update check ran for the series.
func (s *Store) TouchSeriesChecked(ctx context.Context, seriesID int64, at time.Time) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE series SET last_checked_at = $2 WHERE id = $1`, seriesID, at); err != nil {
		return fmt.Errorf("touch series checked: %w", err)
	}
	return nil
}

// StaleSeries returns active series not checked since the cutoff, oldest
// first. Series never checked at all sort ahead of everything.
func (s *Store) StaleSeries(ctx context.Context, cutoff time.Time, limit int) ([]scrape.Series, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+seriesColumns+` FROM series
		WHERE is_active AND (last_checked_at IS NULL OR last_checked_at < $1)
		ORDER BY last_checked_at ASC NULLS FIRST
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale series: %w", err)
	}
	defer rows.Close()

	var out []scrape.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("stale series: %w", err)
		}
		out = append(out, series)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale series: %w", err)
	}
	return out, nil
}

func scanSeries(row pgx.Row) (scrape.Series, error) {
	var series scrape.Series
	var status string
	err := row.Scan(
		&series.ID, &series.Slug, &series.SourceSite, &series.SourceID, &series.SourceURL,
		&series.Title, &series.TitleAlt, &series.Description, &series.CoverURL, &status,
		&series.Genres, &series.Authors, &series.Artists,
		&series.TotalChapters, &series.LatestChapter, &series.IsActive, &series.LastCheckedAt,
	)
	if err != nil {
		return scrape.Series{}, err
	}
	series.Status = scrape.SeriesStatus(status)
	return series, nil
}

// emptyToSlice keeps nil slices out of the driver so text[] columns always
// receive a value.
func emptyToSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
