package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxBytes = 10 << 20

// ErrUnsupportedContent is returned for content types no extractor handles.
var ErrUnsupportedContent = errors.New("unsupported content type")

// Document is a fetched remote resource.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher downloads the resources entities point at.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewFetcher returns a Fetcher. client may be nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, maxBytes: defaultMaxBytes, userAgent: "curio/1.0"}
}

// Fetch GETs rawURL. Bodies larger than the fetcher's limit are truncated.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Document{}, fmt.Errorf("fetch %q: not an http(s) url", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Document{}, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", u, err)
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct == "" {
		ct = http.DetectContentType(body)
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		}
	}
	return Document{URL: u.String(), ContentType: ct, Body: body}, nil
}

// Text returns the readable text of a fetched document.
func (d Document) Text() (string, error) {
	switch {
	case d.ContentType == "text/html" || d.ContentType == "application/xhtml+xml":
		p, err := ExtractHTML(bytes.NewReader(d.Body))
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(strings.Join([]string{p.Title, p.Description, p.Text}, "\n"))
		if text == "" {
			return "", ErrNoText
		}
		return text, nil
	case d.ContentType == "application/pdf":
		return ExtractPDF(d.Body)
	case strings.HasPrefix(d.ContentType, "text/"):
		text := collapseLines(string(d.Body))
		if text == "" {
			return "", ErrNoText
		}
		return text, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, d.ContentType)
	}
}
