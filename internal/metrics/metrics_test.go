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

func TestMetrics_Counters(t *testing.T) {
	m := New("scenes")

	m.ObserveJob("completed", 2*time.Second)
	m.ObserveJob("failed", time.Second)
	m.CacheLookup("memory", true)
	m.CacheLookup("memory", false)
	m.CacheLookup("memory", false)
	m.Edit("merge")
	m.BatchItem("detect", errors.New("boom"))
	m.SetSuccessRate("w1", 0.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("memory", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EditsTotal.WithLabelValues("merge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchItemsTotal.WithLabelValues("detect", "failure")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.SuccessRate.WithLabelValues("w1")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New("scenes")
	m.Edit("split")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `scenes_scene_edits_total{kind="split"} 1`))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveJob("completed", time.Second)
	m.CacheLookup("redis", true)
	m.Edit("merge")
	m.BatchItem("apply", nil)
	m.LearnRun("applied")
	m.SetSuccessRate("w", 1)
	m.AddScenes(3)
	assert.Nil(t, m.Registry())
}
