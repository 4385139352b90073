package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordStake("BINARY", "ok")
	m.RecordJob("create", errors.New("boom"))
	m.SetPriceAge(time.Second)
	assert.Nil(t, m.Registry())
}

func TestRecordersAndHandler(t *testing.T) {
	m := New()
	m.RecordStake("BINARY", "ok")
	m.RecordStake("BINARY", "ok")
	m.RecordJob("resolve", errors.New("boom"))
	m.RecordRoundSettled("RANGE", "REFUND")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StakesTotal.WithLabelValues("BINARY", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("resolve", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "arena_stakes_total"))
	assert.True(t, strings.Contains(body, `arena_rounds_settled_total{mode="RANGE",outcome="REFUND"} 1`))
}
