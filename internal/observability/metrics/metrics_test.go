package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.ObserveRead("fresh")
	m.ObserveRead("fresh")
	m.ObserveRead("miss")
	m.ObserveFetch("success")
	m.ObserveRetry()
	m.ObserveRollback()
	m.ObserveEviction()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.readsTotal.WithLabelValues("fresh")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.readsTotal.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetchesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.retriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.rollbacksTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.evictionsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCacheMetricsNilReceiver(t *testing.T) {
	var m *CacheMetrics
	m.ObserveRead("fresh")
	m.ObserveFetch("error")
	m.ObserveRetry()
	m.ObserveRollback()
	m.ObserveEviction()
}
