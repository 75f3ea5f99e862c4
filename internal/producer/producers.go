package producer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/store"
)

const (
	maxPromptInput = 12000
	maxTranscript  = 256 << 10
)

var (
	// ErrNoSource is returned when an entity has nothing to enrich from.
	ErrNoSource = errors.New("entity has no source content")
	// ErrEmptyResult is returned when a model reply carries no usable value.
	ErrEmptyResult = errors.New("model returned an empty result")
)

// Registrar accepts producers by artifact kind.
type Registrar interface {
	Register(kind store.ArtifactKind, p enrich.Producer)
}

// Set holds the producers for every artifact kind.
type Set struct {
	client      *Client
	fetcher     *Fetcher
	textModel   string
	visionModel string
}

// NewSet builds producers backed by client. visionModel may be empty, in
// which case image descriptions are not registered.
func NewSet(client *Client, fetcher *Fetcher, textModel, visionModel string) *Set {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	return &Set{client: client, fetcher: fetcher, textModel: textModel, visionModel: visionModel}
}

// Register adds every available producer to r.
func (s *Set) Register(r Registrar) {
	r.Register(store.ArtifactTags, enrich.ProduceFunc(s.Tags))
	r.Register(store.ArtifactSummary, enrich.ProduceFunc(s.Summary))
	r.Register(store.ArtifactTranscript, enrich.ProduceFunc(s.Transcript))
	if s.visionModel != "" {
		r.Register(store.ArtifactImageDescription, enrich.ProduceFunc(s.ImageDescription))
	}
}

var tagsSchema = &Schema{
	Type: "object",
	Properties: map[string]SchemaProperty{
		"tags": {
			Type:        "array",
			Description: "3 to 7 short lowercase topic tags",
			Items:       &SchemaProperty{Type: "string"},
		},
	},
	Required: []string{"tags"},
}

const tagsPrompt = `You tag saved content for a personal library.
Return 3 to 7 short lowercase topic tags. Use "/" for hierarchy (e.g. "lang/go").
Respond with JSON only: {"tags": ["..."]}`

// Tags asks the text model for topic tags. The value is a comma-separated list.
func (s *Set) Tags(ctx context.Context, e store.Entity, _ string) (enrich.Output, error) {
	src, err := s.sourceText(ctx, e)
	if err != nil {
		return enrich.Output{}, err
	}

	reply, err := s.client.Chat(ctx, s.textModel, []Message{
		{Role: "system", Content: tagsPrompt},
		{Role: "user", Content: src},
	}, tagsSchema)
	if err != nil {
		return enrich.Output{}, err
	}

	tags := parseTagsReply(reply)
	if len(tags) == 0 {
		return enrich.Output{}, ErrEmptyResult
	}
	return enrich.Output{Value: strings.Join(tags, ", "), ProducedBy: "ollama/" + s.textModel}, nil
}

func parseTagsReply(reply string) []string {
	var parsed struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err == nil {
		return store.NormalizeTags(parsed.Tags)
	}
	// Some models ignore the format and answer with a plain list.
	return enrich.ParseTags(reply)
}

const summaryPrompt = `Summarize the following saved content in 2 or 3 plain sentences.
Reply with the summary only.`

// Summary asks the text model for a short summary.
func (s *Set) Summary(ctx context.Context, e store.Entity, _ string) (enrich.Output, error) {
	src, err := s.sourceText(ctx, e)
	if err != nil {
		return enrich.Output{}, err
	}

	reply, err := s.client.Chat(ctx, s.textModel, []Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: src},
	}, nil)
	if err != nil {
		return enrich.Output{}, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return enrich.Output{}, ErrEmptyResult
	}
	return enrich.Output{Value: reply, ProducedBy: "ollama/" + s.textModel}, nil
}

const imagePrompt = "Describe this image in one or two sentences for someone who cannot see it."

// ImageDescription describes the image at subKey with the vision model. The
// default sub key resolves to the entity's first image.
func (s *Set) ImageDescription(ctx context.Context, e store.Entity, subKey string) (enrich.Output, error) {
	imageURL := subKey
	if imageURL == "" || imageURL == store.DefaultSubKey {
		switch {
		case len(e.ImageURLs) > 0:
			imageURL = e.ImageURLs[0]
		case e.Kind == store.KindImage && e.URL != "":
			imageURL = e.URL
		default:
			return enrich.Output{}, fmt.Errorf("%w: no image url", ErrNoSource)
		}
	}

	doc, err := s.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return enrich.Output{}, err
	}
	if !strings.HasPrefix(doc.ContentType, "image/") {
		return enrich.Output{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, doc.ContentType)
	}

	reply, err := s.client.Chat(ctx, s.visionModel, []Message{{
		Role:    "user",
		Content: imagePrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(doc.Body)},
	}}, nil)
	if err != nil {
		return enrich.Output{}, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return enrich.Output{}, ErrEmptyResult
	}
	return enrich.Output{Value: reply, ProducedBy: "ollama/" + s.visionModel}, nil
}

// Transcript extracts the full text behind the entity's URL: page text for
// HTML, document text for PDF.
func (s *Set) Transcript(ctx context.Context, e store.Entity, _ string) (enrich.Output, error) {
	if e.URL == "" {
		return enrich.Output{}, fmt.Errorf("%w: no url", ErrNoSource)
	}
	doc, err := s.fetcher.Fetch(ctx, e.URL)
	if err != nil {
		return enrich.Output{}, err
	}
	text, err := doc.Text()
	if err != nil {
		return enrich.Output{}, err
	}

	by := "extract/text"
	switch doc.ContentType {
	case "application/pdf":
		by = "extract/pdf"
	case "text/html", "application/xhtml+xml":
		by = "extract/html"
	}
	return enrich.Output{Value: truncate(text, maxTranscript), ProducedBy: by}, nil
}

// sourceText assembles the prompt input for an entity from its own fields and,
// when it has a URL, the fetched content. A failed fetch falls back to the
// entity fields.
func (s *Set) sourceText(ctx context.Context, e store.Entity) (string, error) {
	var parts []string
	for _, p := range []string{e.Title, e.Description, e.Notes} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}

	var fetchErr error
	if e.URL != "" && e.Kind != store.KindImage {
		doc, err := s.fetcher.Fetch(ctx, e.URL)
		if err == nil {
			var text string
			if text, err = doc.Text(); err == nil {
				parts = append(parts, text)
			}
		}
		fetchErr = err
	}

	if len(parts) == 0 {
		if fetchErr != nil {
			return "", fmt.Errorf("%w: %v", ErrNoSource, fetchErr)
		}
		return "", ErrNoSource
	}
	return truncate(strings.Join(parts, "\n\n"), maxPromptInput), nil
}
