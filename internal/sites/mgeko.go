package sites

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const mgekoBaseURL = "https://www.mgeko.cc"

var chapterDateFormats = []string{"January 2, 2006", "2006-01-02", "02/01/2006"}

// Mgeko scrapes mgeko.cc, which serves real content over plain HTTP.
type Mgeko struct {
	fetcher scrape.Fetcher
}

// NewMgeko constructs the adapter.
func NewMgeko(fetcher scrape.Fetcher) *Mgeko {
	return &Mgeko{fetcher: fetcher}
}

// Site returns the canonical source-site name.
func (m *Mgeko) Site() string { return "mgeko" }

// RequiresBrowser is false: plain HTTP works until proven otherwise.
func (m *Mgeko) RequiresBrowser() bool { return false }

// ScrapeSeries extracts series metadata and the chapter list.
func (m *Mgeko) ScrapeSeries(ctx context.Context, url string) (scrape.SeriesData, error) {
	res, err := m.fetcher.Fetch(ctx, scrape.FetchRequest{URL: url})
	if err != nil {
		return scrape.SeriesData{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return scrape.SeriesData{}, fmt.Errorf("parse series page: %w", err)
	}

	title := firstText(doc, "h1.entry-title", ".post-title h1", "h1")
	if title == "" {
		title = "Unknown"
	}

	var titleAlt []string
	if altText := firstText(doc, ".alternative-title", ".other-name"); altText != "" {
		for _, alt := range strings.Split(altText, ",") {
			if alt = strings.TrimSpace(alt); alt != "" {
				titleAlt = append(titleAlt, alt)
			}
		}
	}

	coverURL := ""
	if cover := doc.Find(".summary_image img, .thumb img, .manga-poster img").First(); cover.Length() > 0 {
		if src := imageSrc(cover); src != "" {
			coverURL = absoluteURL(mgekoBaseURL, src)
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
		Description: firstText(doc, ".summary__content", ".description-summary", ".manga-excerpt"),
		CoverURL:    coverURL,
		Status:      parseStatus(firstText(doc, ".post-status .summary-content", ".status")),
		Genres:      selectTexts(doc, ".genres-content a, .manga-genres a, .tags a"),
		Authors:     selectTexts(doc, ".author-content a, .manga-authors a"),
		Artists:     selectTexts(doc, ".artist-content a, .manga-artists a"),
		Chapters:    chapters,
	}, nil
}

func (m *Mgeko) parseChapters(doc *goquery.Document) []scrape.ChapterData {
	var chapters []scrape.ChapterData
	doc.Find(".wp-manga-chapter a, .chapter-list a, li.chapter a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		chURL := absoluteURL(mgekoBaseURL, href)
		chText := strings.TrimSpace(sel.Text())

		num, ok := extractNumber(chText)
		if !ok {
			num, ok = chapterNumberFromURL(chURL)
		}
		if !ok {
			return
		}

		var releaseDate *time.Time
		if dateText := strings.TrimSpace(sel.Parent().Find(".chapter-release-date").First().Text()); dateText != "" {
			for _, format := range chapterDateFormats {
				if parsed, err := time.Parse(format, dateText); err == nil {
					releaseDate = &parsed
					break
				}
			}
		}

		chapter := scrape.ChapterData{
			ChapterNumber: num,
			SourceURL:     chURL,
			ReleaseDate:   releaseDate,
		}
		if chText != fmt.Sprintf("Chapter %v", num) {
			chapter.Title = chText
		}
		chapters = append(chapters, chapter)
	})
	return chapters
}

// ScrapeChapter extracts page images in reading order.
func (m *Mgeko) ScrapeChapter(ctx context.Context, url string, forceBrowser bool) ([]scrape.PageImage, error) {
	res, err := m.fetcher.Fetch(ctx, scrape.FetchRequest{URL: url, ForceBrowser: forceBrowser})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return nil, fmt.Errorf("parse chapter page: %w", err)
	}
	return collectImages(doc, mgekoBaseURL, []string{
		".reading-content img",
		".chapter-content img",
		".page-break img",
		"#manga-reading-nav-body img",
		".wp-manga-chapter-img",
	}), nil
}
