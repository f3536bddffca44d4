// Package telemetry tests verify opt-in exposure of the sync metrics.
package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

// TestHandler_disabledByDefault verifies nothing is exposed without opt-in.
func TestHandler_disabledByDefault(t *testing.T) {
	DisableTelemetry()
	assert.False(t, IsEnabled())

	code, _ := scrape(t, NewMetrics().Handler())
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_enabled(t *testing.T) {
	EnableTelemetry()
	defer DisableTelemetry()

	m := NewMetrics()
	m.ObserveCycle(OutcomeCompleted, 120*time.Millisecond)
	m.ObserveCycle(OutcomeRejected, 0)
	m.ObserveAction("UPDATE", "members", ResultSynced)
	m.ObserveConflict("dues_payments", "manual")
	m.SetQueueDepth(4, 1)
	m.SetOnline(true)

	code, body := scrape(t, m.Handler())
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `syncore_sync_cycles_total{outcome="completed"} 1`)
	assert.Contains(t, body, `syncore_sync_cycles_total{outcome="rejected"} 1`)
	assert.Contains(t, body, `syncore_sync_cycle_duration_seconds_count 1`)
	assert.Contains(t, body, `syncore_sync_actions_total{action_type="UPDATE",entity_kind="members",result="synced"} 1`)
	assert.Contains(t, body, `syncore_sync_conflicts_total{entity_kind="dues_payments",strategy="manual"} 1`)
	assert.Contains(t, body, "syncore_sync_queue_pending 4")
	assert.Contains(t, body, "syncore_network_online 1")
}

// TestNilMetrics verifies a nil collector set is safe to use.
func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(OutcomeError, time.Second)
	m.ObserveAction("CREATE", "members", ResultFailed)
	m.ObserveConflict("members", "merge")
	m.SetQueueDepth(1, 1)
	m.SetOnline(false)

	code, _ := scrape(t, m.Handler())
	assert.Equal(t, http.StatusNotFound, code)
}
