package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const chapterColumns = `id, series_id, chapter_number, source_url, title,
	release_date, is_scraped, scraped_at, total_images`

// CreateChapterIfAbsent inserts a chapter unless (series_id, chapter_number)
// already exists. Existing chapters are never modified, so re-scrapes cannot
// clobber scrape state. The returned bool reports whether a row was created.
func (s *Store) CreateChapterIfAbsent(ctx context.Context, seriesID int64, data scrape.ChapterData) (scrape.Chapter, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO chapters (series_id, chapter_number, source_url, title, release_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (series_id, chapter_number) DO NOTHING
		RETURNING `+chapterColumns,
		seriesID, data.ChapterNumber, data.SourceURL, data.Title, data.ReleaseDate)

	chapter, err := scanChapter(row)
	if err == nil {
		return chapter, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scrape.Chapter{}, false, fmt.Errorf("create chapter: %w", err)
	}

	row = s.db.QueryRow(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE series_id = $1 AND chapter_number = $2`,
		seriesID, data.ChapterNumber)
	chapter, err = scanChapter(row)
	if err != nil {
		return scrape.Chapter{}, false, fmt.Errorf("load existing chapter: %w", err)
	}
	return chapter, false, nil
}

// GetChapter fetches a chapter by primary key.
func (s *Store) GetChapter(ctx context.Context, id int64) (scrape.Chapter, error) {
	row := s.db.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = $1`, id)
	chapter, err := scanChapter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Chapter{}, ErrNotFound
	}
	if err != nil {
		return scrape.Chapter{}, fmt.Errorf("get chapter: %w", err)
	}
	return chapter, nil
}

// ListChapters returns all chapters for a series in reading order.
func (s *Store) ListChapters(ctx context.Context, seriesID int64) ([]scrape.Chapter, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE series_id = $1 ORDER BY chapter_number ASC`,
		seriesID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []scrape.Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("list chapters: %w", err)
		}
		out = append(out, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	return out, nil
}

// UnscrapedChapters returns chapters whose pages have not been extracted yet.
func (s *Store) UnscrapedChapters(ctx context.Context, seriesID int64, limit int) ([]scrape.Chapter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+chapterColumns+` FROM chapters
		WHERE series_id = $1 AND NOT is_scraped
		ORDER BY chapter_number ASC
		LIMIT $2`, seriesID, limit)
	if err != nil {
		return nil, fmt.Errorf("unscraped chapters: %w", err)
	}
	defer rows.Close()

	var out []scrape.Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("unscraped chapters: %w", err)
		}
		out = append(out, chapter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unscraped chapters: %w", err)
	}
	return out, nil
}

// MarkChapterScraped records a successful page extraction.
func (s *Store) MarkChapterScraped(ctx context.Context, chapterID int64, totalImages int, at time.Time) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE chapters SET is_scraped = TRUE, scraped_at = $2, total_images = $3
		WHERE id = $1`, chapterID, at, totalImages); err != nil {
		return fmt.Errorf("mark chapter scraped: %w", err)
	}
	return nil
}

// CreateImageIfAbsent records a discovered page image. Pages already known
// for (chapter_id, page_number) are left alone.
func (s *Store) CreateImageIfAbsent(ctx context.Context, chapterID int64, page scrape.PageImage) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO chapter_images (chapter_id, page_number, source_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (chapter_id, page_number) DO NOTHING`,
		chapterID, page.PageNumber, page.SourceURL)
	if err != nil {
		return false, fmt.Errorf("create image: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingImages returns a chapter's undownloaded pages in page order.
func (s *Store) PendingImages(ctx context.Context, chapterID int64) ([]scrape.ChapterImage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, chapter_id, page_number, source_url, storage_path, storage_url,
			file_size, content_type, is_downloaded
		FROM chapter_images
		WHERE chapter_id = $1 AND NOT is_downloaded
		ORDER BY page_number ASC`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("pending images: %w", err)
	}
	defer rows.Close()

	var out []scrape.ChapterImage
	for rows.Next() {
		var img scrape.ChapterImage
		if err := rows.Scan(&img.ID, &img.ChapterID, &img.PageNumber, &img.SourceURL,
			&img.StoragePath, &img.StorageURL, &img.FileSize, &img.ContentType,
			&img.IsDownloaded); err != nil {
			return nil, fmt.Errorf("pending images: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending images: %w", err)
	}
	return out, nil
}

// MarkImageDownloaded records where a downloaded page landed in blob storage.
func (s *Store) MarkImageDownloaded(ctx context.Context, imageID int64, stored scrape.StoredImage) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE chapter_images
		SET is_downloaded = TRUE, storage_path = $2, storage_url = $3,
			file_size = $4, content_type = $5
		WHERE id = $1`,
		imageID, stored.Path, stored.URL, stored.SizeBytes, stored.ContentType); err != nil {
		return fmt.Errorf("mark image downloaded: %w", err)
	}
	return nil
}

func scanChapter(row pgx.Row) (scrape.Chapter, error) {
	var chapter scrape.Chapter
	err := row.Scan(
		&chapter.ID, &chapter.SeriesID, &chapter.ChapterNumber, &chapter.SourceURL,
		&chapter.Title, &chapter.ReleaseDate, &chapter.IsScraped, &chapter.ScrapedAt,
		&chapter.TotalImages,
	)
	if err != nil {
		return scrape.Chapter{}, err
	}
	return chapter, nil
}
