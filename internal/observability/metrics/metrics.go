package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics exposes counters for the query cache lifecycle.
type CacheMetrics struct {
	readsTotal     *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	rollbacksTotal prometheus.Counter
	evictionsTotal prometheus.Counter
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docline",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Cache reads by outcome (fresh, stale, miss, dedup)",
		}, []string{"outcome"}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docline",
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Underlying fetches by result",
		}, []string{"result"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docline",
			Subsystem: "cache",
			Name:      "retries_total",
			Help:      "Fetch and mutation retry attempts",
		}),
		rollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docline",
			Subsystem: "cache",
			Name:      "rollbacks_total",
			Help:      "Optimistic updates rolled back after mutation failure",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docline",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted by garbage collection",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.readsTotal, m.fetchesTotal, m.retriesTotal, m.rollbacksTotal, m.evictionsTotal)
	return m
}

func (m *CacheMetrics) ObserveRead(outcome string) {
	if m == nil {
		return
	}
	m.readsTotal.WithLabelValues(outcome).Inc()
}

func (m *CacheMetrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(result).Inc()
}

func (m *CacheMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *CacheMetrics) ObserveRollback() {
	if m == nil {
		return
	}
	m.rollbacksTotal.Inc()
}

func (m *CacheMetrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.evictionsTotal.Inc()
}
