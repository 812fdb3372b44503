package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("approve", "speccing")
		m.RevertFailed()
		m.SetFeedEntries(3)
		m.ObserveRequest("GET", "/api/health", 200, time.Millisecond)
	})
}

func TestCollectors(t *testing.T) {
	m := New()
	m.Transition("approve", "speccing")
	m.Transition("approve", "speccing")
	m.RevertFailed()
	m.SetFeedEntries(7)
	m.ObserveRequest("GET", "/api/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `nexus_transitions_total{action="approve",status="speccing"} 2`)
	assert.Contains(t, body, "nexus_revert_failures_total 1")
	assert.Contains(t, body, "nexus_activity_feed_entries 7")
	assert.Contains(t, body, `nexus_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}
