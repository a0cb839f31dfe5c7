package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts committed amortization changes by action, such as
// created, payment_recorded or synced.
type LedgerMetrics struct {
	events *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors on reg, reusing collectors
// registered by an earlier call.
func NewLedgerMetrics(reg prometheus.Registerer) (*LedgerMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amortization_ledger_events_total",
		Help: "Committed amortization changes by action.",
	}, []string{"action"})
	if err := reg.Register(events); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("ledger metrics: unexpected collector type %T", already.ExistingCollector)
		}
		events = existing
	}
	return &LedgerMetrics{events: events}, nil
}

// LedgerEvent counts one committed change.
func (m *LedgerMetrics) LedgerEvent(action string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(action).Inc()
}
