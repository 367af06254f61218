package metrics_test

import (
	"testing"

	"github.com/cockroachdb/view-syncer/internal/metrics"
)

func TestInstrumentsAreUsable(t *testing.T) {
	metrics.PokesSent.WithLabelValues("group-1").Inc()
	metrics.RowCount.WithLabelValues("group-1").Set(42)
	metrics.HydrationDurations.WithLabelValues("group-1", "hash-1").Observe(0.25)
}
