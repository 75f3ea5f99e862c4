package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/curio/internal/store"
	"github.com/kalambet/curio/internal/syncq"
)

func TestQueueGauges(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stats := syncq.Stats{
		Pending:          3,
		InFlight:         1,
		Failed:           2,
		Capacity:         1024,
		OldestEnqueuedAt: now.Add(-90 * time.Second),
		Acked:            7,
	}
	m := New(Sources{
		QueueStats: func() syncq.Stats { return stats },
		Entities:   func() int { return 5 },
		Now:        func() time.Time { return now },
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"curio_sync_queue_pending 3",
		"curio_sync_queue_failed 2",
		"curio_sync_queue_oldest_age_seconds 90",
		"curio_sync_queue_acked_total 7",
		"curio_entities 5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	stats.Pending = 0
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "curio_sync_queue_pending 0") {
		t.Error("gauge not read at scrape time")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestObserveEnrichment(t *testing.T) {
	m := New(Sources{})
	m.ObserveEnrichment(store.ArtifactTags, OutcomeSuccess, time.Second)
	m.ObserveEnrichment(store.ArtifactTags, OutcomeSuccess, 2*time.Second)
	m.ObserveEnrichment(store.ArtifactTags, OutcomeBusy, 0)

	out := scrape(t, m)
	for _, want := range []string{
		`curio_enrichment_requests_total{kind="tags",outcome="success"} 2`,
		`curio_enrichment_requests_total{kind="tags",outcome="busy"} 1`,
		`curio_enrichment_duration_seconds_count{kind="tags"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
