package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobStarted()
		m.AdmissionRejected("over_capacity")
		m.JobFinished("completed", time.Second)
		m.JobReaped()
		m.Swept(1, 2)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.UpdateForwarded()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_RecordsAndServes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobStarted()
	m.AdmissionRejected("over_capacity")
	m.JobFinished("failed", 3*time.Second)
	m.Swept(2, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["extract_dispatcher_jobs_started_total"])
	assert.True(t, names["extract_dispatcher_admissions_rejected_total"])
	assert.True(t, names["extract_sweeper_artifacts_expired_total"])

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `extract_dispatcher_jobs_finished_total{status="failed"} 1`)
	assert.Contains(t, string(body), "extract_dispatcher_jobs_running 0")
}
