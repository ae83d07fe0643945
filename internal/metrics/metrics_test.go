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

	if scrapeJobsTotal == nil || pollAttemptsTotal == nil ||
		creativesUpsertedTotal == nil || queueDepth == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveJob("completed")
	if val := testutil.ToFloat64(scrapeJobsTotal.WithLabelValues("completed")); val != 1 {
		t.Errorf("expected adscout_jobs_total{status=completed} to be 1, got %f", val)
	}

	before := testutil.ToFloat64(pollAttemptsTotal)
	ObservePollAttempt(true)
	if got := testutil.ToFloat64(pollAttemptsTotal); got != before+1 {
		t.Errorf("expected poll attempts to increment, got %f", got)
	}

	ObserveUpsert(3, 2)
	if got := testutil.ToFloat64(creativesUpsertedTotal); got < 3 {
		t.Errorf("expected at least 3 upserts recorded, got %f", got)
	}

	SetQueueDepth("waiting", 5)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("waiting")); got != 5 {
		t.Errorf("expected waiting gauge 5, got %f", got)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != 0 {
		t.Errorf("expected active workers back to 0, got %f", got)
	}

	ObserveHTTPRequest("GET", "/v1/runs", 200, 15*time.Millisecond)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("expected one GET/200 request, got %f", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	Init()
	if Handler() == nil {
		t.Fatal("expected a metrics handler")
	}
}
