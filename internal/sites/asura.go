package sites

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const asuraBaseURL = "https://asuracomic.net"

var asuraTitleSuffixRe = regexp.MustCompile(`(?i)\s*[-–]\s*Asura\s*Scans?\s*$`)

// Asura scrapes asuracomic.net. The site sits behind a challenge wall, so
// every request is forced through the browser pool.
type Asura struct {
	fetcher scrape.Fetcher
}

// NewAsura constructs the adapter.
func NewAsura(fetcher scrape.Fetcher) *Asura {
	return &Asura{fetcher: fetcher}
}

// Site returns the canonical source-site name.
func (a *Asura) Site() string { return "asura" }

// RequiresBrowser is always true for this site.
func (a *Asura) RequiresBrowser() bool { return true }

// ScrapeSeries extracts series metadata and the chapter list.
func (a *Asura) ScrapeSeries(ctx context.Context, url string) (scrape.SeriesData, error) {
	res, err := a.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:          url,
		WaitMarker:   "img[alt*='poster'], .grid img",
		ForceBrowser: true,
	})
	if err != nil {
		return scrape.SeriesData{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return scrape.SeriesData{}, fmt.Errorf("parse series page: %w", err)
	}

	title := firstText(doc, "h1", "span.text-xl.font-bold", "h3.text-xl")
	if title == "" {
		title = "Unknown"
	}
	title = asuraTitleSuffixRe.ReplaceAllString(title, "")

	coverURL := ""
	for _, selector := range []string{
		"img[alt*='poster']",
		"img[alt*='cover']",
		".grid img[src*='storage']",
		"img[src*='covers']",
	} {
		if src, ok := doc.Find(selector).First().Attr("src"); ok && src != "" {
			coverURL = absoluteURL(asuraBaseURL, src)
			break
		}
	}

	var genres []string
	for _, genre := range selectTexts(doc, "button[class*='genre'], a[href*='genre'], span[class*='badge']") {
		if len(genre) < 50 {
			genres = append(genres, genre)
		}
	}

	chapters := a.parseChapters(doc)
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].ChapterNumber < chapters[j].ChapterNumber
	})

	return scrape.SeriesData{
		SourceSite:  a.Site(),
		SourceID:    sourceIDFromURL(url),
		SourceURL:   url,
		Slug:        slugify(title),
		Title:       title,
		Description: firstText(doc, "span.font-medium.text-sm", ".prose p", "[class*='description']"),
		CoverURL:    coverURL,
		Status:      parseStatus(doc.Find(":contains('Status')").Last().Text()),
		Genres:      genres,
		Chapters:    chapters,
	}, nil
}

func (a *Asura) parseChapters(doc *goquery.Document) []scrape.ChapterData {
	seen := make(map[float64]struct{})
	var chapters []scrape.ChapterData
	doc.Find("a[href*='/chapter-'], div[class*='chapter'] a, h3 a[href*='chapter']").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		chURL := absoluteURL(asuraBaseURL, href)
		num, ok := chapterNumberFromURL(chURL)
		if !ok {
			num, ok = extractNumber(strings.TrimSpace(sel.Text()))
		}
		if !ok {
			return
		}
		if _, dup := seen[num]; dup {
			return
		}
		seen[num] = struct{}{}
		chapters = append(chapters, scrape.ChapterData{
			ChapterNumber: num,
			SourceURL:     chURL,
		})
	})
	return chapters
}

// ScrapeChapter extracts page images in reading order. The browser is always
// used regardless of forceBrowser.
func (a *Asura) ScrapeChapter(ctx context.Context, url string, _ bool) ([]scrape.PageImage, error) {
	res, err := a.fetcher.Fetch(ctx, scrape.FetchRequest{
		URL:          url,
		WaitMarker:   "img[alt*='chapter'], img[src*='storage/media']",
		ForceBrowser: true,
	})
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.Content))
	if err != nil {
		return nil, fmt.Errorf("parse chapter page: %w", err)
	}
	return collectImages(doc, asuraBaseURL, []string{
		"img[src*='storage/media']",
		"img[alt*='chapter']",
		".w-full img[src*='asura']",
		"img.max-w-full",
	}), nil
}
