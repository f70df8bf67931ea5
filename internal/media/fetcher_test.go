package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newBareFetcher(maxBytes int64) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxBytes:   maxBytes,
		log:        zerolog.Nop(),
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetchHTTPPassthrough(t *testing.T) {
	payload := []byte("%PDF-1.4 not an image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newBareFetcher(1 << 20)
	m, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Data, payload) {
		t.Fatal("fetched bytes must match the origin")
	}
	if m.MimeType != "application/pdf" {
		t.Fatalf("mime = %q", m.MimeType)
	}
	if m.Thumbnail != nil {
		t.Fatal("non-image payloads must not get a thumbnail")
	}
}

func TestFetchImageGetsThumbnail(t *testing.T) {
	img := pngBytes(t, 640, 480)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	f := newBareFetcher(1 << 20)
	m, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Thumbnail) == 0 {
		t.Fatal("image payload must carry a thumbnail")
	}
	thumb, _, err := image.Decode(bytes.NewReader(m.Thumbnail))
	if err != nil {
		t.Fatalf("thumbnail must decode: %v", err)
	}
	b := thumb.Bounds()
	if b.Dx() > thumbnailEdge || b.Dy() > thumbnailEdge {
		t.Fatalf("thumbnail %dx%d exceeds the %dpx edge", b.Dx(), b.Dy(), thumbnailEdge)
	}
}

func TestFetchDetectsMissingContentType(t *testing.T) {
	img := pngBytes(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil // suppress implicit detection header
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	f := newBareFetcher(1 << 20)
	m, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m.MimeType, "image/png") {
		t.Fatalf("sniffed mime = %q", m.MimeType)
	}
}

func TestFetchEnforcesSizeCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	f := newBareFetcher(99)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("oversized payload must be rejected")
	}

	f = newBareFetcher(100)
	if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("payload at the ceiling must pass, got %v", err)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newBareFetcher(1 << 20)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("4xx responses must fail the fetch")
	}
}

func TestFetchS3Unconfigured(t *testing.T) {
	f := newBareFetcher(1 << 20)
	if _, err := f.Fetch(context.Background(), "s3://bucket/key.jpg"); err == nil {
		t.Fatal("s3 refs without a client must fail")
	}
}

func TestSplitS3Ref(t *testing.T) {
	bucket, key, err := splitS3Ref("s3://media-bucket/tenant1/pic.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if bucket != "media-bucket" || key != "tenant1/pic.jpg" {
		t.Fatalf("got %q %q", bucket, key)
	}

	for _, bad := range []string{"s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		if _, _, err := splitS3Ref(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
