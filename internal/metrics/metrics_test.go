package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRecordsOnOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManager(WithRegistry(reg), WithNamespace("test"))

	m.RecordAttempt("greenhouse", "submitted", 1.5)
	m.RecordAttempt("greenhouse", "skipped", 0.2)
	m.RecordRetries("submit", 2)
	m.RecordRetries("inspect", 0)
	m.RecordPortalBlocked("lever")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("greenhouse", "submitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.portalBlocked.WithLabelValues("lever")))

	n, err := testutil.GatherAndCount(reg, "test_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "zero retries must not create a series")
}

func TestHandlerServesMetrics(t *testing.T) {
	m := NewManager()
	m.RecordRun("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `jobapply_runs_total{result="ok"} 1`)
}
