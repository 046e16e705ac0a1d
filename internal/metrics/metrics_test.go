package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if hostRequestsTotal == nil || unitsTotal == nil ||
		recordsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(unitsTotal.WithLabelValues("test-host", "done"))
	ObserveUnit("test-host", "done")
	if val := testutil.ToFloat64(unitsTotal.WithLabelValues("test-host", "done")) - before; val != 1 {
		t.Errorf("Expected unit counter to grow by 1, got %f", val)
	}

	recBefore := testutil.ToFloat64(recordsTotal.WithLabelValues("test-host", "inserted"))
	ObserveRecords("test-host", "inserted", 3)
	ObserveRecords("test-host", "inserted", 0)
	if val := testutil.ToFloat64(recordsTotal.WithLabelValues("test-host", "inserted")) - recBefore; val != 3 {
		t.Errorf("Expected record counter to grow by 3, got %f", val)
	}

	SetHostBudgetRemaining("test-host", 42)
	if val := testutil.ToFloat64(hostBudgetRemaining.WithLabelValues("test-host")); val != 42 {
		t.Errorf("Expected remaining budget 42, got %f", val)
	}

	ObserveHostRequest("test-host", 200)
	ObserveRateLimitDelay("test-host", 2*time.Second)
	ObserveLedgerError("claim")
	ObserveHeartbeat("ok")
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("Expected active workers to return to 0, got %f", val)
	}
}
