// Package inbox turns files dropped into a directory into saved items.
// A .url file becomes a link; .txt and .md files become notes. Processed
// files are removed; files that cannot be saved are moved to failed/.
package inbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/curio/internal/app"
	"github.com/kalambet/curio/internal/enrich"
	"github.com/kalambet/curio/internal/store"
)

const maxFileSize = 1 << 20

// ErrUnsupported is returned for files the inbox does not handle.
var ErrUnsupported = errors.New("unsupported inbox file")

// Saver is the part of the application the inbox writes to.
type Saver interface {
	Create(n app.NewEntity) (store.Entity, error)
	RequestEnrichment(ctx context.Context, id string, kind store.ArtifactKind, subKey string) error
}

// Options configure a Watcher.
type Options struct {
	Dir string
	// Enrich lists artifact kinds requested for every saved item.
	Enrich []store.ArtifactKind
	// Settle is how long a file must stay unchanged before it is read. Defaults to 250ms.
	Settle time.Duration
	Logger *slog.Logger
	// OnSaved runs after a file became an item.
	OnSaved func(path string, e store.Entity)
}

// Watcher watches one directory.
type Watcher struct {
	saver  Saver
	opts   Options
	logger *slog.Logger
}

// New returns a Watcher writing to saver.
func New(saver Saver, opts Options) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{saver: saver, opts: opts, logger: logger}
}

// Supported reports whether path has an extension the inbox handles.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".url", ".txt", ".md":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// Run processes files already in the directory, then watches it until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	w.logger.Info("inbox: started", "dir", w.opts.Dir)
	w.Scan(ctx)

	timers := make(map[string]*time.Timer)
	due := make(chan string, 64)
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(w.opts.Settle)
			return
		}
		timers[path] = time.AfterFunc(w.opts.Settle, func() {
			select {
			case due <- path:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range timers {
				t.Stop()
			}
			w.logger.Info("inbox: stopped")
			return nil

		case path := <-due:
			delete(timers, path)
			w.handle(ctx, path)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !Supported(ev.Name) {
				continue
			}
			schedule(ev.Name)

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox: watch error", "error", watchErr)
		}
	}
}

// Scan processes every supported file currently in the directory.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.logger.Warn("inbox: listing failed", "dir", w.opts.Dir, "error", err)
		return
	}
	for _, de := range entries {
		if de.IsDir() || !Supported(de.Name()) {
			continue
		}
		w.handle(ctx, filepath.Join(w.opts.Dir, de.Name()))
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	e, err := w.Process(ctx, path)
	switch {
	case err == nil:
		w.logger.Info("inbox: saved", "file", filepath.Base(path), "entity_id", e.ID, "kind", e.Kind)
		if w.opts.OnSaved != nil {
			w.opts.OnSaved(path, e)
		}
	case errors.Is(err, os.ErrNotExist):
	case errors.Is(err, app.ErrQueueFull):
		// Left in place; the next scan or write retries it.
		w.logger.Warn("inbox: sync queue full, keeping file", "file", filepath.Base(path))
	default:
		w.logger.Warn("inbox: rejected", "file", filepath.Base(path), "error", err)
		w.quarantine(path)
	}
}

// Process saves one file as an item and removes it.
func (w *Watcher) Process(ctx context.Context, path string) (store.Entity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return store.Entity{}, err
	}
	if info.Size() > maxFileSize {
		return store.Entity{}, fmt.Errorf("%s: file larger than %d bytes", filepath.Base(path), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return store.Entity{}, err
	}
	n, err := Parse(filepath.Base(path), string(data))
	if err != nil {
		return store.Entity{}, err
	}

	e, err := w.saver.Create(n)
	if err != nil {
		return store.Entity{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("inbox: removing processed file", "file", filepath.Base(path), "error", err)
	}

	for _, kind := range w.opts.Enrich {
		err := w.saver.RequestEnrichment(ctx, e.ID, kind, "")
		if err != nil && !errors.Is(err, enrich.ErrNoProducer) {
			w.logger.Debug("inbox: enrichment not started", "entity_id", e.ID, "kind", kind, "error", err)
		}
	}
	return e, nil
}

func (w *Watcher) quarantine(path string) {
	dir := filepath.Join(w.opts.Dir, "failed")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Error("inbox: creating failed dir", "error", err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Error("inbox: moving rejected file", "file", filepath.Base(path), "error", err)
	}
}

// Parse builds the new item described by a file's name and content.
func Parse(name, content string) (app.NewEntity, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	switch strings.ToLower(filepath.Ext(name)) {
	case ".url":
		u := parseURLFile(content)
		if u == "" {
			return app.NewEntity{}, fmt.Errorf("%s: no URL found", name)
		}
		return app.NewEntity{Kind: store.KindLink, URL: u, Title: stem}, nil
	case ".txt", ".md":
		text := strings.TrimSpace(content)
		if text == "" {
			return app.NewEntity{}, fmt.Errorf("%s: empty note", name)
		}
		title := stem
		if strings.EqualFold(filepath.Ext(name), ".md") {
			if h := markdownTitle(text); h != "" {
				title = h
			}
		}
		return app.NewEntity{Kind: store.KindNote, Title: title, Notes: text}, nil
	default:
		return app.NewEntity{}, fmt.Errorf("%s: %w", name, ErrUnsupported)
	}
}

// parseURLFile accepts a bare URL or an [InternetShortcut] file.
func parseURLFile(content string) string {
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "URL="); ok {
			return strings.TrimSpace(v)
		}
		if strings.Contains(line, "://") {
			return line
		}
	}
	return ""
}

func markdownTitle(text string) string {
	first, _, _ := strings.Cut(text, "\n")
	if h, ok := strings.CutPrefix(strings.TrimSpace(first), "# "); ok {
		return strings.TrimSpace(h)
	}
	return ""
}
