package sites

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tsukimori/mangahive/internal/scrape"
)

var (
	numberRe        = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
	chapterURLRe    = regexp.MustCompile(`(?i)chapter[/-](\d+(?:\.\d+)?)`)
	slugStripRe     = regexp.MustCompile(`[^\w\s-]`)
	slugCollapseRe  = regexp.MustCompile(`[-\s]+`)
	nonContentHints = []string{"logo", "icon", "avatar", "banner", "ads", "placeholder", "loading", "spinner"}
)

// extractNumber pulls the first decimal number out of text ("Chapter 3.5" ->
// 3.5). Returns false when no number is present.
func extractNumber(text string) (float64, bool) {
	match := numberRe.FindString(text)
	if match == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// chapterNumberFromURL extracts a chapter number from a /chapter-12.5 style
// URL segment.
func chapterNumberFromURL(rawURL string) (float64, bool) {
	match := chapterURLRe.FindStringSubmatch(rawURL)
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// slugify converts a title to a URL-safe slug, capped at 200 characters.
func slugify(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = slugStripRe.ReplaceAllString(text, "")
	text = slugCollapseRe.ReplaceAllString(text, "-")
	text = strings.Trim(text, "-")
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// absoluteURL resolves href against base.
func absoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	refURL, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(refURL).String()
}

// sourceIDFromURL takes the last path segment as the site's series
// identifier.
func sourceIDFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// parseStatus maps free-form status text to a SeriesStatus.
func parseStatus(text string) scrape.SeriesStatus {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "ongoing"):
		return scrape.SeriesOngoing
	case strings.Contains(lower, "complete"):
		return scrape.SeriesCompleted
	case strings.Contains(lower, "hiatus"):
		return scrape.SeriesHiatus
	case strings.Contains(lower, "dropped"), strings.Contains(lower, "cancel"):
		return scrape.SeriesCancelled
	default:
		return scrape.SeriesUnknown
	}
}

// isContentImage filters out chrome (logos, spinners, ad slots) from chapter
// image candidates.
func isContentImage(imgURL string) bool {
	lower := strings.ToLower(imgURL)
	for _, hint := range nonContentHints {
		if strings.Contains(lower, hint) {
			return false
		}
	}
	return true
}

// imageSrc reads the real source of a possibly lazy-loaded img element.
func imageSrc(sel *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// selectTexts collects trimmed non-empty texts for a selector.
func selectTexts(doc *goquery.Document, selector string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

// firstText returns the trimmed text of the first selector that matches.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// collectImages walks selectors in priority order and returns page images in
// extraction order, deduplicated by URL.
func collectImages(doc *goquery.Document, base string, selectors []string) []scrape.PageImage {
	var imgs *goquery.Selection
	for _, selector := range selectors {
		if found := doc.Find(selector); found.Length() > 0 {
			imgs = found
			break
		}
	}
	if imgs == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var images []scrape.PageImage
	imgs.Each(func(_ int, sel *goquery.Selection) {
		src := imageSrc(sel)
		if src == "" || !isContentImage(src) {
			return
		}
		abs := absoluteURL(base, src)
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		images = append(images, scrape.PageImage{
			PageNumber: len(images) + 1,
			SourceURL:  abs,
		})
	})
	return images
}
