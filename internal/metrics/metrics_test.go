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

	if crawlRunsTotal == nil || crawlItemsTotal == nil || crawlRunning == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestCrawlCollectors(t *testing.T) {
	ObserveRun("metrics-test", "completed")
	ObserveRun("metrics-test", "completed")
	if val := testutil.ToFloat64(crawlRunsTotal.WithLabelValues("metrics-test", "completed")); val != 2 {
		t.Errorf("Expected crawl_runs_total to be 2, got %f", val)
	}

	ObserveItem("metrics-test", ItemSentinel)
	if val := testutil.ToFloat64(crawlItemsTotal.WithLabelValues("metrics-test", ItemSentinel)); val != 1 {
		t.Errorf("Expected crawl_items_total to be 1, got %f", val)
	}

	SetRunning("metrics-test", true)
	if val := testutil.ToFloat64(crawlRunning.WithLabelValues("metrics-test")); val != 1 {
		t.Errorf("Expected crawl_running to be 1, got %f", val)
	}
	SetRunning("metrics-test", false)
	if val := testutil.ToFloat64(crawlRunning.WithLabelValues("metrics-test")); val != 0 {
		t.Errorf("Expected crawl_running to be 0, got %f", val)
	}

	ObserveFetch("metrics-test", time.Second)
	ObservePaceWait("metrics-test", time.Second)
	if val := testutil.CollectAndCount(crawlFetchDurationSeconds); val <= 0 {
		t.Errorf("Expected crawl_fetch_duration_seconds to be observed, got %d", val)
	}
	if val := testutil.CollectAndCount(crawlPaceWaitSeconds); val <= 0 {
		t.Errorf("Expected crawl_pace_wait_seconds to be observed, got %d", val)
	}
}
