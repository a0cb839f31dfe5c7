package jobmetrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	tracker := metrics.Track("amortization:sync")
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.running.WithLabelValues("amortization:sync")))
	require.NoError(t, tracker.End(nil))
	require.Zero(t, testutil.ToFloat64(metrics.running.WithLabelValues("amortization:sync")))
	require.Positive(t, testutil.ToFloat64(metrics.lastSuccess.WithLabelValues("amortization:sync")))

	boom := errors.New("connection reset")
	require.ErrorIs(t, metrics.Track("amortization:sync").End(boom), boom)
	rejected := fmt.Errorf("%w: business partner blocked", asynq.SkipRetry)
	require.ErrorIs(t, metrics.Track("amortization:sync").End(rejected), asynq.SkipRetry)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("amortization:sync", "success")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.runs.WithLabelValues("amortization:sync", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.discarded.WithLabelValues("amortization:sync")))
}

func TestAddItemsIgnoresEmptyCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.AddItems("amortization:refresh-statuses", OutcomeLateFee, 3)
	metrics.AddItems("amortization:refresh-statuses", OutcomeLateFee, 0)
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.items.WithLabelValues("amortization:refresh-statuses", "late_fee")))

	var nilMetrics *Metrics
	nilMetrics.AddItems("x", OutcomeSkipped, 1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
