package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers its collectors with the default Prometheus
// registry, so the whole file shares one instance to avoid a duplicate
// registration panic across test functions.
var testMetrics = NewMetrics()

func TestActiveOperationsGaugeTracksSetValue(t *testing.T) {
	testMetrics.ActiveOperations.WithLabelValues("world-1").Set(3)
	got := testutil.ToFloat64(testMetrics.ActiveOperations.WithLabelValues("world-1"))
	if got != 3 {
		t.Fatalf("got %v, want 3", got)
	}
}

func TestIdleTransitionsCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(testMetrics.IdleTransitions.WithLabelValues("world-2"))
	testMetrics.IdleTransitions.WithLabelValues("world-2").Inc()
	after := testutil.ToFloat64(testMetrics.IdleTransitions.WithLabelValues("world-2"))
	if after != before+1 {
		t.Fatalf("got %v, want %v", after, before+1)
	}
}

func TestQueueDepthGaugePerChat(t *testing.T) {
	testMetrics.QueueDepth.WithLabelValues("world-3", "chat-1").Set(5)
	got := testutil.ToFloat64(testMetrics.QueueDepth.WithLabelValues("world-3", "chat-1"))
	if got != 5 {
		t.Fatalf("got %v, want 5", got)
	}
}

func TestToolExecutionsCounterByNameAndStatus(t *testing.T) {
	testMetrics.ToolExecutions.WithLabelValues("shell_cmd", "success").Inc()
	got := testutil.ToFloat64(testMetrics.ToolExecutions.WithLabelValues("shell_cmd", "success"))
	if got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
}
