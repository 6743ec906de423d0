package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mkoziy/vulnsync/internal/models"
)

func finishedRun(source string, status models.RunStatus, counts models.Counts) *models.SyncRun {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	run := &models.SyncRun{Source: source, Status: status, StartedAt: start, EndedAt: &end}
	run.SetCounts(counts)
	return run
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestRunFinished(t *testing.T) {
	m := New()

	m.RunStarted("kev")
	if got := value(t, m.running.WithLabelValues("kev")); got != 1 {
		t.Fatalf("expected one running, got %v", got)
	}

	run := finishedRun("kev", models.StatusSuccess, models.Counts{Total: 5, Inserted: 3, Updated: 1, SkippedNonMatching: 1})
	m.RunFinished(run)

	if got := value(t, m.running.WithLabelValues("kev")); got != 0 {
		t.Fatalf("expected none running, got %v", got)
	}
	if got := value(t, m.runs.WithLabelValues("kev", "success")); got != 1 {
		t.Fatalf("expected one successful run, got %v", got)
	}
	if got := value(t, m.records.WithLabelValues("kev", "inserted")); got != 3 {
		t.Fatalf("expected 3 inserted, got %v", got)
	}
	if got := value(t, m.lastSuccess.WithLabelValues("kev")); got != float64(run.EndedAt.Unix()) {
		t.Fatalf("unexpected last success %v", got)
	}

	m.RunStarted("kev")
	m.RunFinished(finishedRun("kev", models.StatusFailure, models.Counts{}))
	if got := value(t, m.lastSuccess.WithLabelValues("kev")); got != float64(run.EndedAt.Unix()) {
		t.Fatalf("failure must not move last success, got %v", got)
	}
	if got := value(t, m.runs.WithLabelValues("kev", "failure")); got != 1 {
		t.Fatalf("expected one failed run, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunStarted("nvd")
	m.RunFinished(finishedRun("nvd", models.StatusSuccess, models.Counts{Total: 1, Inserted: 1}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`vulnsync_runs_total{source="nvd",status="success"} 1`,
		`vulnsync_records_total{outcome="inserted",source="nvd"} 1`,
		"vulnsync_run_duration_seconds_count",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
