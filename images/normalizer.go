// Package images converts inbound image references (inline base64, local
// path, remote URL) into data-URI strings suitable for multimodal prompts.
package images

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	DefaultMaxBytes     = 5 << 20

	inlinePrefix = "base64://"
	fallbackMIME = "image/png"
)

// ErrUnrepresentable signals that a reference could not be turned into a
// data URI. It is recoverable per reference; callers drop the image.
var ErrUnrepresentable = errors.New("images: reference not representable")

// Segment is one opaque inbound image reference. Any subset of the fields
// may be set, depending on what the platform delivered.
type Segment struct {
	URL  string
	File string
	Path string
}

type Normalizer struct {
	HTTP     *http.Client
	MaxBytes int64
	Log      *slog.Logger
}

type Option func(*Normalizer)

func WithHTTPClient(c *http.Client) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.HTTP = c
		}
	}
}

func WithMaxBytes(max int64) Option {
	return func(n *Normalizer) {
		if max > 0 {
			n.MaxBytes = max
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) {
		if l != nil {
			n.Log = l
		}
	}
}

func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		HTTP:     &http.Client{Timeout: DefaultFetchTimeout},
		MaxBytes: DefaultMaxBytes,
		Log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Normalize resolves one segment to a data URI. Resolution order: inline
// base64 payload, file token that is itself a URL, local file (File then
// Path), remote fetch. Each step that fails falls through to the next;
// exhausting them yields ErrUnrepresentable, never a partial result.
func (n *Normalizer) Normalize(ctx context.Context, seg Segment) (string, error) {
	var (
		content     []byte
		contentType string
		filename    string
	)
	url := seg.URL

	if seg.File != "" {
		filename = seg.File
		switch {
		case strings.HasPrefix(seg.File, inlinePrefix):
			b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(seg.File, inlinePrefix))
			if err != nil {
				n.Log.Warn("image_inline_decode_failed", "error", err)
			} else {
				content = b
				filename = ""
			}
		case looksLikeURL(seg.File) && url == "":
			url = seg.File
		case isLocalPath(seg.File):
			content = n.readLocal(seg.File)
		}
	}

	if content == nil && seg.Path != "" {
		filename = seg.Path
		content = n.readLocal(seg.Path)
	}

	if content == nil && url != "" {
		content, contentType = n.fetch(ctx, url)
	}

	if content == nil {
		return "", fmt.Errorf("%w: url=%q file=%q path=%q", ErrUnrepresentable, seg.URL, seg.File, seg.Path)
	}

	mimeType := resolveMIME(content, contentType, filename)
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(content), nil
}

// NormalizeAll resolves a batch of segments, dropping the ones that fail
// and preserving the relative order of the survivors.
func (n *Normalizer) NormalizeAll(ctx context.Context, segs []Segment) []string {
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		dataURL, err := n.Normalize(ctx, seg)
		if err != nil {
			n.Log.Debug("image_dropped", "error", err)
			continue
		}
		out = append(out, dataURL)
	}
	return out
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isLocalPath(s string) bool {
	if p, ok := filePathFromURL(s); ok {
		s = p
	}
	_, err := os.Stat(s)
	return err == nil
}

func filePathFromURL(s string) (string, bool) {
	if !strings.HasPrefix(s, "file://") {
		return "", false
	}
	u, err := neturl.Parse(s)
	if err != nil {
		return "", false
	}
	return u.Path, true
}

func (n *Normalizer) readLocal(pathStr string) []byte {
	if p, ok := filePathFromURL(pathStr); ok {
		pathStr = p
	}
	info, err := os.Stat(pathStr)
	if err != nil {
		return nil
	}
	if info.Size() > n.MaxBytes {
		n.Log.Warn("image_file_too_large", "path", pathStr, "bytes", info.Size())
		return nil
	}
	data, err := os.ReadFile(pathStr)
	if err != nil {
		n.Log.Warn("image_file_read_failed", "path", pathStr, "error", err)
		return nil
	}
	return data
}

func (n *Normalizer) fetch(ctx context.Context, url string) ([]byte, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		n.Log.Warn("image_fetch_failed", "url", url, "error", err)
		return nil, ""
	}
	resp, err := n.HTTP.Do(req)
	if err != nil {
		n.Log.Warn("image_fetch_failed", "url", url, "error", err)
		return nil, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.Log.Warn("image_fetch_status", "url", url, "status", resp.StatusCode)
		return nil, ""
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.MaxBytes+1))
	if err != nil {
		n.Log.Warn("image_fetch_failed", "url", url, "error", err)
		return nil, ""
	}
	if int64(len(data)) > n.MaxBytes {
		n.Log.Warn("image_fetch_too_large", "url", url, "bytes", len(data))
		return nil, ""
	}
	return data, resp.Header.Get("Content-Type")
}

// resolveMIME picks the output type: the fetch's Content-Type stripped of
// parameters is most authoritative, then a guess from the filename
// extension, then content sniffing, then a generic image fallback.
func resolveMIME(content []byte, contentType, filename string) string {
	if contentType != "" {
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
		return strings.TrimSpace(contentType)
	}
	if filename != "" {
		if guessed := mime.TypeByExtension(filepath.Ext(filename)); guessed != "" {
			if i := strings.IndexByte(guessed, ';'); i >= 0 {
				guessed = guessed[:i]
			}
			return guessed
		}
	}
	if detected := http.DetectContentType(content); strings.HasPrefix(detected, "image/") {
		return detected
	}
	return fallbackMIME
}
