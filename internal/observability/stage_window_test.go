package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("synthesize", 500)
	w.Observe("synthesize", 700)
	w.Observe("synthesize", 900)
	w.ObserveOutcome("completed")
	w.ObserveOutcome("completed")
	w.ObserveOutcome("failed")

	snap := w.Snapshot()
	require.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	require.Equal(t, "synthesize", s.Stage)
	require.Equal(t, 3, s.Samples)
	require.Equal(t, 900.0, s.LastMS)
	require.Equal(t, 700.0, s.P50MS)
	require.Greater(t, s.P95MS, 700.0)
	require.LessOrEqual(t, s.P95MS, 900.0)
	require.Equal(t, 1500.0, s.TargetP95MS)

	require.Equal(t, []OutcomeCount{{Outcome: "completed", Count: 2}, {Outcome: "failed", Count: 1}}, snap.Outcomes)
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("generate", v)
	}
	s := w.Snapshot().Stages[0]
	require.Equal(t, 2, s.Samples)
	require.Equal(t, 25.0, s.AvgMS)
}

func TestMetricsHandlerExposesOwnRegistry(t *testing.T) {
	m := NewMetrics("alef_test")
	m.ObserveStage("generate", 1200*time.Millisecond)
	m.ObserveTurn("completed")
	m.ObserveProviderError("generate", "upstream")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	require.True(t, strings.Contains(text, `alef_test_turn_outcomes_total{outcome="completed"} 1`))
	require.True(t, strings.Contains(text, `alef_test_provider_errors_total{kind="upstream",stage="generate"} 1`))

	require.Len(t, m.SnapshotStages().Stages, 1)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("generate", time.Second)
	m.ObserveTurn("failed")
	m.ObserveSessionEvent("created", 1)
	require.Empty(t, m.SnapshotStages().Stages)
}
