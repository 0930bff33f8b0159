package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tsukimori/mangahive/internal/scrape"
)

const (
	defaultTimeout = 30 * time.Second
	maxImageBytes  = 32 << 20
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

var extByContentType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
}

// Ingestor downloads page images and writes them to blob storage under
// series/{seriesID}/chapters/{chapterID}/{page}.{ext}.
type Ingestor struct {
	client *http.Client
	blobs  BlobStore
}

// NewIngestor builds an ingestor around the blob store. A nil client gets a
// default with a 30 second timeout.
func NewIngestor(blobs BlobStore, client *http.Client) *Ingestor {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Ingestor{client: client, blobs: blobs}
}

// Store downloads one image and persists it. Image hosts usually check the
// Referer, so the request carries the source page's origin.
func (i *Ingestor) Store(ctx context.Context, sourceURL string, seriesID, chapterID int64, pageNumber int) (scrape.StoredImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return scrape.StoredImage{}, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if origin := originOf(sourceURL); origin != "" {
		req.Header.Set("Referer", origin)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return scrape.StoredImage{}, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return scrape.StoredImage{}, fmt.Errorf("download image: unexpected status %d for %s", resp.StatusCode, sourceURL)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return scrape.StoredImage{}, fmt.Errorf("read image body: %w", err)
	}
	if len(payload) > maxImageBytes {
		return scrape.StoredImage{}, fmt.Errorf("image exceeds %d bytes: %s", maxImageBytes, sourceURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if _, known := extByContentType[contentType]; !known {
		contentType = http.DetectContentType(payload)
	}
	ext, ok := extByContentType[contentType]
	if !ok {
		ext = ".jpg"
	}

	path := fmt.Sprintf("series/%d/chapters/%d/%03d%s", seriesID, chapterID, pageNumber, ext)
	uri, err := i.blobs.PutObject(ctx, path, contentType, bytes.NewReader(payload))
	if err != nil {
		return scrape.StoredImage{}, fmt.Errorf("store image: %w", err)
	}

	scrape.ImagesDownloaded.Inc()
	return scrape.StoredImage{
		Path:        path,
		URL:         uri,
		SizeBytes:   int64(len(payload)),
		ContentType: contentType,
	}, nil
}

func originOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + "/"
}
