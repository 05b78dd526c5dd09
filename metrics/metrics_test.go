package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New("", nil)
	b := New("", nil)

	a.OrphanResponses.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.OrphanResponses))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OrphanResponses))
}

func TestHandler_ExposesCounters(t *testing.T) {
	m := New("relay", prometheus.NewRegistry())
	m.Dispatched.WithLabelValues("algo--v1_0_0").Inc()
	m.ResponsesHandled.WithLabelValues(OutcomeDuplicate).Inc()

	e := echo.New()
	m.RegisterEndpoint(e, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_executions_dispatched_total{analytic="algo--v1_0_0"} 1`)
	assert.Contains(t, rec.Body.String(), `relay_responses_handled_total{outcome="duplicate"} 1`)
}
