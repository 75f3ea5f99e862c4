package inbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/store"
)

type fakeSaver struct {
	mu       sync.Mutex
	created  []app.NewEntity
	enriched []store.ArtifactKind
	err      error
}

func (f *fakeSaver) Create(n app.NewEntity) (store.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Entity{}, f.err
	}
	f.created = append(f.created, n)
	return store.Entity{ID: "id-" + n.Title, Kind: n.Kind, Title: n.Title, URL: n.URL}, nil
}

func (f *fakeSaver) RequestEnrichment(_ context.Context, _ string, kind store.ArtifactKind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enriched = append(f.enriched, kind)
	return nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    app.NewEntity
		wantErr bool
	}{
		{
			name:    "bare url",
			file:    "go blog.url",
			content: "https://go.dev/blog\n",
			want:    app.NewEntity{Kind: store.KindLink, URL: "https://go.dev/blog", Title: "go blog"},
		},
		{
			name:    "internet shortcut",
			file:    "site.url",
			content: "[InternetShortcut]\r\nURL=https://example.com/a\r\n",
			want:    app.NewEntity{Kind: store.KindLink, URL: "https://example.com/a", Title: "site"},
		},
		{
			name:    "markdown heading becomes title",
			file:    "n.md",
			content: "# Reading list\n\n- item",
			want:    app.NewEntity{Kind: store.KindNote, Title: "Reading list", Notes: "# Reading list\n\n- item"},
		},
		{
			name:    "text note",
			file:    "idea.txt",
			content: "  build a thing  ",
			want:    app.NewEntity{Kind: store.KindNote, Title: "idea", Notes: "build a thing"},
		},
		{name: "url file without url", file: "x.url", content: "[InternetShortcut]\n", wantErr: true},
		{name: "empty note", file: "x.txt", content: "   ", wantErr: true},
		{name: "unsupported", file: "x.pdf", content: "data", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.file, tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Kind != tt.want.Kind || got.URL != tt.want.URL || got.Title != tt.want.Title || got.Notes != tt.want.Notes {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProcessRemovesFile(t *testing.T) {
	dir := t.TempDir()
	saver := &fakeSaver{}
	w := New(saver, Options{Dir: dir, Enrich: []store.ArtifactKind{store.ArtifactTags, store.ArtifactSummary}, Logger: quietLogger()})

	path := filepath.Join(dir, "go.url")
	if err := os.WriteFile(path, []byte("https://go.dev"), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := w.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.Kind != store.KindLink {
		t.Errorf("kind = %q", e.Kind)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("processed file should be removed")
	}
	if len(saver.enriched) != 2 {
		t.Errorf("enrichments requested = %v", saver.enriched)
	}
}

func TestRejectedFileMovedToFailed(t *testing.T) {
	dir := t.TempDir()
	w := New(&fakeSaver{}, Options{Dir: dir, Logger: quietLogger()})

	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w.Scan(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "failed", "empty.txt")); err != nil {
		t.Errorf("rejected file not moved: %v", err)
	}
}

func TestQueueFullKeepsFile(t *testing.T) {
	dir := t.TempDir()
	w := New(&fakeSaver{err: app.ErrQueueFull}, Options{Dir: dir, Logger: quietLogger()})

	path := filepath.Join(dir, "n.txt")
	if err := os.WriteFile(path, []byte("note"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Scan(context.Background())

	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should stay for a later retry: %v", err)
	}
}

func TestRunPicksUpExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "before.txt"), []byte("existing note"), 0o644); err != nil {
		t.Fatal(err)
	}
	saver := &fakeSaver{}
	w := New(saver, Options{Dir: dir, Settle: 20 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool { return saver.count() == 1 }, "existing file not processed")

	if err := os.WriteFile(filepath.Join(dir, "after.md"), []byte("# New\nbody"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool { return saver.count() == 2 }, "new file not processed")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored.bin")); err != nil {
		t.Error("unsupported files must be left alone")
	}
}
