package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExecutionSeriesLabels(t *testing.T) {
	r := NewRegistry()

	r.PrecheckDecisions.WithLabelValues("BTCUSDT", "allow").Inc()
	r.PrecheckDecisions.WithLabelValues("BTCUSDT", "position_limit").Inc()
	r.OrdersSubmitted.WithLabelValues("BTCUSDT", "ok").Inc()
	r.OrderLatency.WithLabelValues("BTCUSDT").Observe(42)
	r.ThrottleRate.Set(2.5)

	assert.InDelta(t, 1.0, testutil.ToFloat64(r.PrecheckDecisions.WithLabelValues("BTCUSDT", "allow")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(r.OrdersSubmitted.WithLabelValues("BTCUSDT", "ok")), 1e-9)
	assert.InDelta(t, 2.5, testutil.ToFloat64(r.ThrottleRate), 1e-9)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `of_precheck_decisions_total{reason="allow",symbol="BTCUSDT"} 1`)
	assert.Contains(t, body, `of_orders_submitted_total{reason="ok",symbol="BTCUSDT"} 1`)
	assert.Contains(t, body, `of_order_latency_ms_count{symbol="BTCUSDT"} 1`)
	assert.Contains(t, body, "of_throttle_rate_limit 2.5")
}
