package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// jpegMagic is enough of a JPEG header for content-type sniffing.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func TestStoreDownloadsAndPersists(t *testing.T) {
	t.Parallel()

	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegMagic)
	}))
	defer srv.Close()

	blobs := NewMemoryBlobStore()
	ing := NewIngestor(blobs, srv.Client())

	stored, err := ing.Store(context.Background(), srv.URL+"/solo/ch1/003.jpg", 7, 31, 3)
	require.NoError(t, err)

	require.Equal(t, "series/7/chapters/31/003.jpg", stored.Path)
	require.Equal(t, "memory://series/7/chapters/31/003.jpg", stored.URL)
	require.Equal(t, int64(len(jpegMagic)), stored.SizeBytes)
	require.Equal(t, "image/jpeg", stored.ContentType)
	require.Equal(t, srv.URL+"/", gotReferer)

	data, ok := blobs.Object(stored.Path)
	require.True(t, ok)
	require.Equal(t, jpegMagic, data)
}

func TestStoreSniffsMissingContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\npayload"))
	}))
	defer srv.Close()

	ing := NewIngestor(NewMemoryBlobStore(), srv.Client())
	stored, err := ing.Store(context.Background(), srv.URL+"/p.png", 1, 2, 1)
	require.NoError(t, err)
	require.Equal(t, "image/png", stored.ContentType)
	require.Equal(t, "series/1/chapters/2/001.png", stored.Path)
}

func TestStoreRejectsBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ing := NewIngestor(NewMemoryBlobStore(), srv.Client())
	_, err := ing.Store(context.Background(), srv.URL+"/p.jpg", 1, 2, 1)
	require.ErrorContains(t, err, "unexpected status 403")
}

func TestStorePadsPageNumbers(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("RIFF0000WEBP"))
	}))
	defer srv.Close()

	ing := NewIngestor(NewMemoryBlobStore(), srv.Client())
	stored, err := ing.Store(context.Background(), srv.URL+"/p.webp", 1, 2, 114)
	require.NoError(t, err)
	require.Equal(t, "series/1/chapters/2/114.webp", stored.Path)
}
