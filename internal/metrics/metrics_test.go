package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/material"
)

func TestSessionLifecycle(t *testing.T) {
	m := New()
	m.SessionStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionActive))

	m.SessionEnded(kiosk.SessionRecord{Reason: "timeout"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsEnded.WithLabelValues("timeout")))
}

func TestDetectionCounters(t *testing.T) {
	m := New()
	m.DetectionCompleted(material.Plastic, 0.9, 2*time.Second)
	m.DetectionCompleted(material.Plastic, 0.95, time.Second)
	m.DetectionCompleted(material.NoDetection, 0, time.Second)
	m.ConfirmationFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("plastic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.items.WithLabelValues("can")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues("no_detection")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.confirmFailures))
	assert.Contains(t, scrape(t, m), "rvm_detection_duration_seconds_count 3")
}

func TestLinkGauge(t *testing.T) {
	m := New()
	m.LinkConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linkUp))
	m.LinkConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.linkUp))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ReceiptFailed()

	body := scrape(t, m)
	assert.Contains(t, body, "rvm_receipt_failures_total 1")
	assert.Contains(t, body, `rvm_items_total{material="can"} 0`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
