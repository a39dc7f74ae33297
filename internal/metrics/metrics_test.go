package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New("proxbalance")

	m.ObserveRun("idle", "completed", 3*time.Second)
	m.ObserveRun("idle", "skipped", time.Second)
	m.ObserveMigration("automated", "completed", 40*time.Second)
	m.CandidateFiltered("cooldown")
	m.CandidateFiltered("cooldown")
	m.SetRecommendations(7)
	m.EvacuationStarted()
	m.EvacuationGuest("migrate", "success")
	m.EvacuationFinished("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("idle", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("automated", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CandidatesFiltered.WithLabelValues("cooldown")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Recommendations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EvacuationsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvacuationSessions.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("idle", "completed", time.Second)
		m.ObserveMigration("automated", "failed", time.Second)
		m.CandidateFiltered("tags")
		m.SetRecommendations(1)
		m.EvacuationStarted()
		m.EvacuationGuest("ignore", "skipped")
		m.EvacuationFinished("failed")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New("proxbalance")
	m.CandidateFiltered("affinity")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `proxbalance_candidates_filtered_total{filter="affinity"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
