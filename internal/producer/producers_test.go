package producer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/store"
)

const articleHTML = `<!doctype html>
<html><head>
<title>  Go Generics   in Practice </title>
<meta name="description" content="How type parameters change library design.">
<meta property="og:image" content="https://cdn.example.com/cover.png">
<style>body { color: red }</style>
<script>var tracking = "ignore me";</script>
</head><body>
<nav>Home | About</nav>
<article><h1>Generics</h1><p>Type parameters   arrived in Go 1.18.</p><p>They make containers reusable.</p></article>
<footer>copyright</footer>
</body></html>`

func TestExtractHTML(t *testing.T) {
	p, err := ExtractHTML(strings.NewReader(articleHTML))
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if p.Title != "Go Generics in Practice" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.Description != "How type parameters change library design." {
		t.Errorf("Description = %q", p.Description)
	}
	if len(p.Images) != 1 || p.Images[0] != "https://cdn.example.com/cover.png" {
		t.Errorf("Images = %v", p.Images)
	}
	for _, unwanted := range []string{"ignore me", "color: red", "Home | About", "copyright"} {
		if strings.Contains(p.Text, unwanted) {
			t.Errorf("Text contains %q:\n%s", unwanted, p.Text)
		}
	}
	if !strings.Contains(p.Text, "Type parameters arrived in Go 1.18.") {
		t.Errorf("Text missing paragraph:\n%s", p.Text)
	}
}

func TestExtractPDF_Invalid(t *testing.T) {
	if _, err := ExtractPDF([]byte("definitely not a pdf")); err == nil {
		t.Error("expected error for non-pdf input")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("truncate on rune boundary = %q, want %q", got, "h")
	}
	if got := truncate("abc", 10); got != "abc" {
		t.Errorf("truncate short = %q", got)
	}
}

// fakeOllama replies to /api/chat with reply and records the last request.
func fakeOllama(t *testing.T, reply string, last *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if last != nil {
			json.NewDecoder(r.Body).Decode(last)
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: reply}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// contentServer serves an HTML article, a PNG, and a plain text file.
func contentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(articleHTML))
		case "/cover.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("line one\n\n  line   two \n"))
		case "/blob":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte{0, 1, 2})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTags_ParsesStructuredReply(t *testing.T) {
	var req chatRequest
	ollama := fakeOllama(t, `{"tags": ["Go", "lang/go", "go", "Generics"]}`, &req)
	content := contentServer(t)

	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "llava")
	out, err := s.Tags(context.Background(), store.Entity{ID: "a1", Kind: store.KindLink, URL: content.URL + "/article"}, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if out.Value != "generics, go, lang/go" {
		t.Errorf("Value = %q", out.Value)
	}
	if out.ProducedBy != "ollama/llama3.2" {
		t.Errorf("ProducedBy = %q", out.ProducedBy)
	}
	if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Type parameters arrived") {
		t.Errorf("prompt did not include page text: %+v", req.Messages)
	}
	if req.Format == nil {
		t.Error("tags request did not set a format schema")
	}
}

func TestTags_PlainListFallback(t *testing.T) {
	ollama := fakeOllama(t, "- #cooking\n- pasta", nil)
	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "")

	out, err := s.Tags(context.Background(), store.Entity{ID: "n1", Kind: store.KindNote, Title: "Carbonara"}, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if out.Value != "cooking, pasta" {
		t.Errorf("Value = %q", out.Value)
	}
}

func TestTags_EmptyReply(t *testing.T) {
	ollama := fakeOllama(t, `{"tags": []}`, nil)
	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "")

	_, err := s.Tags(context.Background(), store.Entity{ID: "n1", Title: "x"}, store.DefaultSubKey)
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("err = %v, want ErrEmptyResult", err)
	}
}

func TestSummary_NoSource(t *testing.T) {
	ollama := fakeOllama(t, "unused", nil)
	content := contentServer(t)
	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "")

	_, err := s.Summary(context.Background(), store.Entity{ID: "e", Kind: store.KindLink, URL: content.URL + "/missing"}, store.DefaultSubKey)
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("err = %v, want ErrNoSource", err)
	}
}

func TestSummary_FallsBackToEntityFields(t *testing.T) {
	var req chatRequest
	ollama := fakeOllama(t, "  A short summary.  ", &req)
	content := contentServer(t)
	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "")

	e := store.Entity{ID: "e", Kind: store.KindLink, Title: "Saved title", URL: content.URL + "/missing"}
	out, err := s.Summary(context.Background(), e, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if out.Value != "A short summary." {
		t.Errorf("Value = %q", out.Value)
	}
	if !strings.Contains(req.Messages[1].Content, "Saved title") {
		t.Errorf("prompt = %q, want entity title", req.Messages[1].Content)
	}
}

func TestImageDescription(t *testing.T) {
	var req chatRequest
	ollama := fakeOllama(t, "A gopher on a cover.", &req)
	content := contentServer(t)
	s := NewSet(NewClient(ollama.URL), nil, "llama3.2", "llava")

	e := store.Entity{ID: "p1", Kind: store.KindPost, ImageURLs: []string{content.URL + "/cover.png"}}
	out, err := s.ImageDescription(context.Background(), e, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("ImageDescription: %v", err)
	}
	if out.Value != "A gopher on a cover." || out.ProducedBy != "ollama/llava" {
		t.Errorf("out = %+v", out)
	}
	if req.Model != "llava" || len(req.Messages) != 1 || len(req.Messages[0].Images) != 1 {
		t.Errorf("vision request = %+v", req)
	}

	_, err = s.ImageDescription(context.Background(), e, content.URL+"/article")
	if !errors.Is(err, ErrUnsupportedContent) {
		t.Errorf("non-image err = %v, want ErrUnsupportedContent", err)
	}

	_, err = s.ImageDescription(context.Background(), store.Entity{ID: "n", Kind: store.KindNote}, store.DefaultSubKey)
	if !errors.Is(err, ErrNoSource) {
		t.Errorf("no image err = %v, want ErrNoSource", err)
	}
}

func TestTranscript(t *testing.T) {
	content := contentServer(t)
	s := NewSet(NewClient("http://unused"), nil, "llama3.2", "")

	out, err := s.Transcript(context.Background(), store.Entity{ID: "d", URL: content.URL + "/notes.txt"}, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if out.Value != "line one\nline two" || out.ProducedBy != "extract/text" {
		t.Errorf("out = %+v", out)
	}

	out, err = s.Transcript(context.Background(), store.Entity{ID: "a", URL: content.URL + "/article"}, store.DefaultSubKey)
	if err != nil {
		t.Fatalf("Transcript html: %v", err)
	}
	if out.ProducedBy != "extract/html" || !strings.HasPrefix(out.Value, "Go Generics in Practice") {
		t.Errorf("out = %+v", out)
	}

	_, err = s.Transcript(context.Background(), store.Entity{ID: "b", URL: content.URL + "/blob"}, store.DefaultSubKey)
	if !errors.Is(err, ErrUnsupportedContent) {
		t.Errorf("blob err = %v, want ErrUnsupportedContent", err)
	}
}

type recordingRegistrar map[store.ArtifactKind]enrich.Producer

func (r recordingRegistrar) Register(kind store.ArtifactKind, p enrich.Producer) { r[kind] = p }

func TestSet_Register(t *testing.T) {
	withVision := recordingRegistrar{}
	NewSet(NewClient("http://x"), nil, "llama3.2", "llava").Register(withVision)
	if len(withVision) != 4 {
		t.Errorf("registered %d producers, want 4", len(withVision))
	}

	textOnly := recordingRegistrar{}
	NewSet(NewClient("http://x"), nil, "llama3.2", "").Register(textOnly)
	if _, ok := textOnly[store.ArtifactImageDescription]; ok {
		t.Error("image_description registered without a vision model")
	}
}
