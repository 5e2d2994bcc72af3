// ============================================================================
// fleetbatch Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and journal recovery time
//
// TestSystemThroughput:
//   - submit 2000 VMs in batches of 20 (100 batches)
//   - simulated query latency 0-20ms, 10% failure rate
//   - max dequeue count 3, so a batch dead-letters with probability 0.1%
//   - target: every batch accounted for, >= 20 batches/s
//
// TestRecoveryPerformance:
//   - enqueue 2000 batches into a journaled queue
//   - close and reopen the queue (journal replay + compaction)
//   - target: < 3 seconds, no message lost
//
// Notes:
//   - test results affected by system load
//   - skipped with -short
//
// ============================================================================

package integration

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

func flakyQuery(ctx context.Context, b types.Batch) ([]types.Row, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(rand.IntN(20)) * time.Millisecond):
	}
	if rand.IntN(10) == 0 {
		return nil, errors.New("simulated throttling")
	}
	rows := make([]types.Row, len(b.WorkItems))
	for i, vm := range b.WorkItems {
		rows[i] = types.Row{"name": vm}
	}
	return rows, nil
}

// TestSystemThroughput tests system throughput under a flaky executor
func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}
	ctx := context.Background()
	n := openNode(t, t.TempDir(), queue.Config{VisibilityTimeout: 100 * time.Millisecond}, processor.Config{
		MaxConcurrent: 8,
		PollInterval:  2 * time.Millisecond,
		IdleInterval:  10 * time.Millisecond,
		ShutdownGrace: time.Second,
	}, flakyQuery)
	defer n.close()

	require.NoError(t, n.proc.Start(ctx))
	defer n.proc.Stop(ctx)

	const totalBatches = 100
	startTime := time.Now()
	_, err := processor.Submit(ctx, n.queue, n.store, "perf-1", vmNames(totalBatches*20), 20, types.JobParams{})
	require.NoError(t, err)

	st := waitForState(t, n.store, "perf-1", 60*time.Second, types.StateCompleted, types.StateFailed)
	elapsed := time.Since(startTime)

	agg, err := n.store.AggregateResults(ctx, "perf-1")
	require.NoError(t, err)
	ps := n.proc.Stats()
	throughput := float64(totalBatches) / elapsed.Seconds()

	t.Logf("Performance Test Results:")
	t.Logf("  Status:        %s", st.Status)
	t.Logf("  Successful:    %d", agg.Summary.SuccessfulBatches)
	t.Logf("  Failed:        %d", agg.Summary.FailedBatches)
	t.Logf("  Retries:       %d", ps.Failed)
	t.Logf("  Peak workers:  %d", ps.Peak)
	t.Logf("  Elapsed:       %v", elapsed)
	t.Logf("  Throughput:    %.2f batches/s", throughput)

	assert.Equal(t, types.StateCompleted, st.Status)
	assert.Equal(t, totalBatches, agg.Summary.SuccessfulBatches+agg.Summary.FailedBatches)
	assert.GreaterOrEqual(t, agg.Summary.SuccessfulBatches, totalBatches-3)
	assert.LessOrEqual(t, ps.Peak, 8)
	assert.GreaterOrEqual(t, throughput, 20.0)
}

// TestRecoveryPerformance measures journal replay time after a restart
func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "batches.journal")

	main, err := queue.NewLocal(queue.LocalConfig{Name: "batches", JournalPath: path, Logger: quiet})
	require.NoError(t, err)
	dead, err := queue.NewLocal(queue.LocalConfig{Name: "batches-deadletter", Logger: quiet})
	require.NoError(t, err)
	q := queue.NewClient(main, dead, queue.Config{}, queue.WithLogger(quiet))

	const totalBatches = 2000
	batches, err := types.Partition("recover-perf", vmNames(totalBatches), 1, types.JobParams{Scope: "sub-1"})
	require.NoError(t, err)
	summary, err := q.EnqueueAll(ctx, "recover-perf", batches, types.JobParams{Scope: "sub-1"})
	require.NoError(t, err)
	require.Equal(t, totalBatches, summary.BatchCount)

	// 取走一部分訊息，使日誌包含投遞記錄
	_, err = q.Receive(ctx, queue.MaxMessagesPerReceive)
	require.NoError(t, err)
	require.NoError(t, main.Close())

	start := time.Now()
	reopened, err := queue.NewLocal(queue.LocalConfig{Name: "batches", JournalPath: path, Logger: quiet})
	require.NoError(t, err)
	defer reopened.Close()
	recovery := time.Since(start)

	q2 := queue.NewClient(reopened, dead, queue.Config{})
	stats, err := q2.Stats(ctx)
	require.NoError(t, err)

	t.Logf("Recovery Performance Test Results:")
	t.Logf("  Journaled batches: %d", totalBatches)
	t.Logf("  Recovered:         %d", stats.Queued)
	t.Logf("  Recovery time:     %v", recovery)

	assert.Equal(t, totalBatches, stats.Queued, "no message may be lost across a restart")
	assert.Less(t, recovery, 3*time.Second)
}
