package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// pngHeader makes sniffable PNG bytes.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func decodePayload(t *testing.T, dataURL string) (string, []byte) {
	t.Helper()
	if !strings.HasPrefix(dataURL, "data:") {
		t.Fatalf("not a data url: %q", dataURL)
	}
	rest := strings.TrimPrefix(dataURL, "data:")
	i := strings.Index(rest, ";base64,")
	if i < 0 {
		t.Fatalf("missing base64 marker: %q", dataURL)
	}
	raw, err := base64.StdEncoding.DecodeString(rest[i+len(";base64,"):])
	if err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	return rest[:i], raw
}

func TestInlineBase64RoundTrip(t *testing.T) {
	payload := []byte("raw image bytes \x00\x01\x02")
	seg := Segment{File: "base64://" + base64.StdEncoding.EncodeToString(payload)}

	dataURL, err := NewNormalizer().Normalize(context.Background(), seg)
	if err != nil {
		t.Fatal(err)
	}
	_, raw := decodePayload(t, dataURL)
	if !bytes.Equal(raw, payload) {
		t.Fatalf("round trip mismatch: %q", raw)
	}
}

func TestInlineBase64Invalid(t *testing.T) {
	_, err := NewNormalizer().Normalize(context.Background(), Segment{File: "base64://!!not-base64!!"})
	if err == nil {
		t.Fatal("expected unrepresentable")
	}
}

func TestLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}

	dataURL, err := NewNormalizer().Normalize(context.Background(), Segment{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	mimeType, raw := decodePayload(t, dataURL)
	if mimeType != "image/png" {
		t.Fatalf("mime = %q", mimeType)
	}
	if !bytes.Equal(raw, pngHeader) {
		t.Fatal("bytes mismatch")
	}
}

func TestLocalFileViaFileURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(path, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewNormalizer().Normalize(context.Background(), Segment{File: "file://" + path})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLocalFileOversize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}

	n := NewNormalizer(WithMaxBytes(16))
	if _, err := n.Normalize(context.Background(), Segment{Path: path}); err == nil {
		t.Fatal("expected oversize file to be unrepresentable")
	}
}

func TestFetchUsesContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp; charset=binary")
		_, _ = w.Write([]byte("webp-bytes"))
	}))
	defer srv.Close()

	dataURL, err := NewNormalizer().Normalize(context.Background(), Segment{URL: srv.URL + "/a"})
	if err != nil {
		t.Fatal(err)
	}
	mimeType, raw := decodePayload(t, dataURL)
	if mimeType != "image/webp" {
		t.Fatalf("mime = %q, want content-type stripped of parameters", mimeType)
	}
	if string(raw) != "webp-bytes" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestFileTokenTreatedAsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	dataURL, err := NewNormalizer().Normalize(context.Background(), Segment{File: srv.URL + "/pic"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dataURL, "data:") {
		t.Fatalf("dataURL = %q", dataURL)
	}
}

func TestFetchNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewNormalizer().Normalize(context.Background(), Segment{URL: srv.URL}); err == nil {
		t.Fatal("expected unrepresentable")
	}
}

func TestFetchOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 128))
	}))
	defer srv.Close()

	n := NewNormalizer(WithMaxBytes(64))
	if _, err := n.Normalize(context.Background(), Segment{URL: srv.URL}); err == nil {
		t.Fatal("expected oversize body to be unrepresentable")
	}
}

func TestMIMEFallbackChain(t *testing.T) {
	// No content-type, extension guess from filename.
	dir := t.TempDir()
	jpgPath := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(jpgPath, []byte("not really a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	dataURL, err := NewNormalizer().Normalize(context.Background(), Segment{Path: jpgPath})
	if err != nil {
		t.Fatal(err)
	}
	mimeType, _ := decodePayload(t, dataURL)
	if mimeType != "image/jpeg" {
		t.Fatalf("mime = %q, want extension guess", mimeType)
	}

	// No content-type, no useful extension, sniffable bytes.
	pngPath := filepath.Join(dir, "blob")
	if err := os.WriteFile(pngPath, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	dataURL, err = NewNormalizer().Normalize(context.Background(), Segment{Path: pngPath})
	if err != nil {
		t.Fatal(err)
	}
	mimeType, _ = decodePayload(t, dataURL)
	if mimeType != "image/png" {
		t.Fatalf("mime = %q, want sniffed type", mimeType)
	}

	// Nothing recognizable: generic image fallback.
	optPath := filepath.Join(dir, "opaque")
	if err := os.WriteFile(optPath, []byte{0xde, 0xad, 0xbe, 0xef}, 0o644); err != nil {
		t.Fatal(err)
	}
	dataURL, err = NewNormalizer().Normalize(context.Background(), Segment{Path: optPath})
	if err != nil {
		t.Fatal(err)
	}
	mimeType, _ = decodePayload(t, dataURL)
	if mimeType != "image/png" {
		t.Fatalf("mime = %q, want fallback", mimeType)
	}
}

func TestEmptySegmentUnrepresentable(t *testing.T) {
	if _, err := NewNormalizer().Normalize(context.Background(), Segment{}); err == nil {
		t.Fatal("expected unrepresentable")
	}
}

func TestNormalizeAllDropsFailuresKeepsOrder(t *testing.T) {
	a := base64.StdEncoding.EncodeToString([]byte("first"))
	b := base64.StdEncoding.EncodeToString([]byte("second"))
	segs := []Segment{
		{File: "base64://" + a},
		{Path: "/nonexistent/definitely/missing.png"},
		{File: "base64://" + b},
	}

	got := NewNormalizer().NormalizeAll(context.Background(), segs)
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	_, raw := decodePayload(t, got[0])
	if string(raw) != "first" {
		t.Fatalf("got[0] = %q", raw)
	}
	_, raw = decodePayload(t, got[1])
	if string(raw) != "second" {
		t.Fatalf("got[1] = %q", raw)
	}
}
