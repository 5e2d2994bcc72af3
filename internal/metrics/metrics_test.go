package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.batchesEnqueued)
	assert.NotNil(t, collector.batchLatency)
	assert.NotNil(t, collector.queueDepth)
	assert.NotNil(t, collector.cacheRequests)
}

func TestBatchCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		collector.RecordEnqueue()
	}
	collector.RecordReceived(3)
	collector.RecordCompleted(0.2)
	collector.RecordCompleted(1.5)
	collector.RecordFailed()
	collector.RecordDeadLettered()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.batchesEnqueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.batchesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.batchesCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesDeadLettered))
}

func TestGauges(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SetActiveWorkers(4)
	collector.UpdateQueueStats(10, 2)
	collector.SetRecoveryTime(0.75)

	assert.Equal(t, 4.0, testutil.ToFloat64(collector.activeWorkers))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("main")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("dead_letter")))
	assert.Equal(t, 0.75, testutil.ToFloat64(collector.recoveryTime))
}

func TestCacheAndCleanup(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordCacheHit()
	collector.RecordCacheMiss()
	collector.RecordCacheMiss()
	collector.RecordCacheWriteError()
	collector.RecordCleanup("results", 5)
	collector.RecordCleanup("cache", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheWriteErrors))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.cleanupDeleted.WithLabelValues("results")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordEnqueue()
		collector.RecordReceived(1)
		collector.RecordCompleted(1.0)
		collector.RecordFailed()
		collector.RecordDeadLettered()
		collector.SetActiveWorkers(1)
		collector.SetRecoveryTime(1.0)
		collector.UpdateQueueStats(10, 5)
		collector.RecordCacheHit()
		collector.RecordCacheMiss()
		collector.RecordCacheWriteError()
		collector.RecordCleanup("cache", 1)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// a process should have only one collector per registry
	assert.Panics(t, func() {
		NewCollector(reg)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordEnqueue()
			collector.RecordReceived(1)
			collector.RecordCompleted(0.1)
			collector.UpdateQueueStats(10, 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.batchesCompleted))
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.RecordEnqueue()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "fleetbatch_batches_enqueued_total 1")
}
