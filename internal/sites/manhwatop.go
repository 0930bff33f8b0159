package sites

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const manhwatopBaseURL = "https://manhwatop.com"

var (
	manhwatopAltSplitRe  = regexp.MustCompile(`[,;/]`)
	manhwatopShowMoreRe  = regexp.MustCompile(`(?i)\s*(Show more|Show less|Read more).*$`)
	manhwatopDateFormats = []string{"2006-01-02", "January 2, 2006", "02/01/2006"}
)

// Manhwatop scrapes manhwatop.com. Challenge-protected; all requests go
// through the browser pool.
type Manhwatop struct {
	fetcher scrape.Fetcher
}

// NewManhwatop constructs the adapter.
func NewManhwatop(fetcher scrape.Fetcher) *Manhwatop {
	return &Manhwatop{fetcher: fetcher}
}

// Site returns the canonical source-site name.
func (m *Manhwatop) Site() string { return "manhwatop" }

// RequiresBrowser is always true for this site.
func (m *Manhwatop) RequiresBrowser() bool { return true }

// ScrapeSeries extracts series metadata and the chapter list.
func (m *Manhwatop) ScrapeSeries(ctx context.Context, url string) (scrape.SeriesData, error) {
	res, err := m.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:          url,
		WaitMarker:   ".post-title h1, .manga-title",
		ForceBrowser: true,
	})
	if err != nil {
		return scrape.SeriesData{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return scrape.SeriesData{}, fmt.Errorf("parse series page: %w", err)
	}

	title := firstText(doc, ".post-title h1", ".manga-title", "h1.entry-title")
	if title == "" {
		title = "Unknown"
	}

	var titleAlt []string
	if altText := firstText(doc, ".alternative", ".other-name", ".alt-name"); altText != "" {
		for _, alt := range manhwatopAltSplitRe.Split(altText, -1) {
			if alt = strings.TrimSpace(alt); alt != "" {
				titleAlt = append(titleAlt, alt)
			}
		}
	}

	description := firstText(doc, ".description-summary .summary__content", ".manga-excerpt", ".summary p")
	description = manhwatopShowMoreRe.ReplaceAllString(description, "")

	coverURL := ""
	if cover := doc.Find(".summary_image img, .manga-poster img, .thumb img").First(); cover.Length() > 0 {
		if src := imageSrc(cover); src != "" {
			coverURL = absoluteURL(manhwatopBaseURL, src)
		}
	}

	chapters := m.parseChapters(doc)
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].ChapterNumber < chapters[j].ChapterNumber
	})

	return scrape.SeriesData{
		SourceSite:  m.Site(),
		SourceID:    sourceIDFromURL(url),
		SourceURL:   url,
		Slug:        slugify(title),
		Title:       title,
		TitleAlt:    titleAlt,
		Description: description,
		CoverURL:    coverURL,
		Status:      parseStatus(firstText(doc, ".post-status .summary-content", ".status")),
		Genres:      selectTexts(doc, ".genres-content a, .manga-genres a"),
		Authors:     selectTexts(doc, ".author-content a"),
		Artists:     selectTexts(doc, ".artist-content a"),
		Chapters:    chapters,
	}, nil
}

func (m *Manhwatop) parseChapters(doc *goquery.Document) []scrape.ChapterData {
	var chapters []scrape.ChapterData
	doc.Find(".wp-manga-chapter a, .chapter-list a, li.chapter a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		chURL := absoluteURL(manhwatopBaseURL, href)
		chText := strings.TrimSpace(sel.Text())

		num, ok := extractNumber(chText)
		if !ok {
			num, ok = chapterNumberFromURL(chURL)
		}
		if !ok {
			return
		}

		var releaseDate *time.Time
		if li := sel.Closest("li"); li.Length() > 0 {
			if span := li.Find(".chapter-release-date, .release-date, time").First(); span.Length() > 0 {
				dateText, exists := span.Attr("datetime")
				if !exists {
					dateText = strings.TrimSpace(span.Text())
				}
				if len(dateText) >= 10 {
					for _, format := range manhwatopDateFormats {
						if parsed, err := time.Parse(format, dateText[:10]); err == nil {
							releaseDate = &parsed
							break
						}
					}
				}
			}
		}

		chapter := scrape.ChapterData{
			ChapterNumber: num,
			SourceURL:     chURL,
			ReleaseDate:   releaseDate,
		}
		if !strings.Contains(strings.ToLower(chText), "chapter") {
			chapter.Title = chText
		}
		chapters = append(chapters, chapter)
	})
	return chapters
}

// ScrapeChapter extracts page images in reading order. The browser is always
// used regardless of forceBrowser.
func (m *Manhwatop) ScrapeChapter(ctx context.Context, url string, _ bool) ([]scrape.PageImage, error) {
	res, err := m.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:          url,
		WaitMarker:   ".reading-content img, .chapter-content img",
		ForceBrowser: true,
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return nil, fmt.Errorf("parse chapter page: %w", err)
	}
	return collectImages(doc, manhwatopBaseURL, []string{
		".reading-content img",
		".chapter-content img",
		".page-break img",
		"#manga-reading img",
		".wp-manga-chapter-img",
	}), nil
}
