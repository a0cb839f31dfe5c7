package synccache

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache and retry activity.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	retries       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics registers the sync cache collectors. Collectors already registered
// on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_synccache_hits_total",
			Help: "Number of sync cache hits.",
		}, []string{"op"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_synccache_misses_total",
			Help: "Number of sync cache misses.",
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_synccache_retries_total",
			Help: "Number of retried outbound calls after a transient failure.",
		}, []string{"op"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_synccache_invalidations_total",
			Help: "Number of scope invalidations.",
		}, []string{"scope_kind"}),
	}
	for _, slot := range []**prometheus.CounterVec{&m.hits, &m.misses, &m.retries, &m.invalidations} {
		if err := reg.Register(*slot); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("synccache metrics: unexpected collector type %T", already.ExistingCollector)
			}
			*slot = existing
		}
	}
	return m, nil
}

func (m *Metrics) hit(op string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(op).Inc()
}

func (m *Metrics) miss(op string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(op).Inc()
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) invalidated(scope string) {
	if m == nil {
		return
	}
	kind := "company"
	if scope == GlobalScope {
		kind = "global"
	}
	m.invalidations.WithLabelValues(kind).Inc()
}
