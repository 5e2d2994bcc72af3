// ============================================================================
// fleetbatch 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端重啟恢復測試
//
// 測試目標:
//   驗證節點在處理中途停止後，重新開啟同一份佇列日誌與結果目錄即可完成任務：
//   1. 已完成的批次結果保留在檔案系統
//   2. 被放棄的批次在可見性逾時後重新投遞
//   3. 每個批次只產生一份結果（重新執行會覆寫同一個鍵）
//   4. 任務最終為 COMPLETED 且佇列為空
//
// 測試配置:
//   - 本地日誌佇列 + 檔案系統 blob
//   - 每批次約 30ms 的模擬查詢
//   - 300ms 可見性逾時
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// node 一個以 dir 為資料目錄的處理節點；dir 為空時完全在記憶體中
type node struct {
	main, dead *queue.Local
	blobs      blob.Store
	queue      *queue.Client
	store      *results.Store
	proc       *processor.Processor
}

func openNode(t testing.TB, dir string, qcfg queue.Config, pcfg processor.Config, execute processor.ExecuteFunc) *node {
	t.Helper()
	n := &node{}
	mainCfg := queue.LocalConfig{Name: "batches", Logger: quiet}
	deadCfg := queue.LocalConfig{Name: "batches-deadletter", Logger: quiet}
	if dir != "" {
		mainCfg.JournalPath = filepath.Join(dir, "batches.journal")
		deadCfg.JournalPath = filepath.Join(dir, "batches-deadletter.journal")
	}

	var err error
	n.main, err = queue.NewLocal(mainCfg)
	require.NoError(t, err)
	n.dead, err = queue.NewLocal(deadCfg)
	require.NoError(t, err)
	if dir != "" {
		n.blobs, err = blob.NewFS(filepath.Join(dir, "blobs"), nil)
		require.NoError(t, err)
	} else {
		n.blobs = blob.NewMemory(nil)
	}

	n.queue = queue.NewClient(n.main, n.dead, qcfg, queue.WithLogger(quiet))
	n.store = results.New(n.blobs, results.Config{}, results.WithLogger(quiet))
	n.proc, err = processor.New(n.queue, n.store, execute, pcfg, processor.WithLogger(quiet))
	require.NoError(t, err)
	return n
}

func (n *node) close() {
	n.queue.Wait()
	_ = n.main.Close()
	_ = n.dead.Close()
	_ = n.blobs.Close()
}

func vmNames(count int) []string {
	items := make([]string, count)
	for i := range items {
		items[i] = fmt.Sprintf("vm-%04d", i)
	}
	return items
}

func echoAfter(d time.Duration, calls *atomic.Int64) processor.ExecuteFunc {
	return func(ctx context.Context, b types.Batch) ([]types.Row, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		rows := make([]types.Row, len(b.WorkItems))
		for i, vm := range b.WorkItems {
			rows[i] = types.Row{"name": vm}
		}
		return rows, nil
	}
}

func waitForState(t testing.TB, store *results.Store, jobID string, timeout time.Duration, states ...types.JobState) *types.JobStatus {
	t.Helper()
	var last *types.JobStatus
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := store.GetJobStatus(context.Background(), jobID)
		if err == nil {
			last = st
			for _, s := range states {
				if st.Status == s {
					return st
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %v within %s (last: %+v)", jobID, states, timeout, last)
	return nil
}

func TestRestartRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	qcfg := queue.Config{VisibilityTimeout: 300 * time.Millisecond}
	pcfg := processor.Config{
		MaxConcurrent: 4,
		PollInterval:  5 * time.Millisecond,
		IdleInterval:  20 * time.Millisecond,
		ShutdownGrace: time.Millisecond,
	}
	const totalBatches = 20

	// 第一階段：提交任務並在處理中途停止
	var firstCalls atomic.Int64
	first := openNode(t, dir, qcfg, pcfg, echoAfter(30*time.Millisecond, &firstCalls))
	_, err := processor.Submit(ctx, first.queue, first.store, "recover-1", vmNames(totalBatches*5), 5, types.JobParams{})
	require.NoError(t, err)
	require.NoError(t, first.proc.Start(ctx))

	require.Eventually(t, func() bool {
		return first.proc.Stats().Succeeded >= 4
	}, 5*time.Second, 5*time.Millisecond)

	report, err := first.proc.Stop(ctx)
	require.NoError(t, err)
	done := first.proc.Stats().Succeeded
	t.Logf("第一階段: 完成 %d 批次, 放棄 %d 批次", done, report.Abandoned)
	require.Less(t, done, int64(totalBatches), "first run should stop before the job finishes")
	time.Sleep(50 * time.Millisecond)
	first.close()

	// 第二階段：重新開啟相同資料目錄並完成剩餘批次
	var secondCalls atomic.Int64
	second := openNode(t, dir, qcfg, pcfg, echoAfter(time.Millisecond, &secondCalls))
	defer second.close()

	stats, err := second.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Queued)
	assert.LessOrEqual(t, stats.Queued, totalBatches-int(done), "completed batches must not survive the restart")

	start := time.Now()
	require.NoError(t, second.proc.Start(ctx))
	st := waitForState(t, second.store, "recover-1", 10*time.Second, types.StateCompleted, types.StateFailed)
	t.Logf("第二階段: 恢復耗時 %s, 執行 %d 次", time.Since(start), secondCalls.Load())

	_, err = second.proc.Stop(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, st.Status)
	assert.False(t, st.PartialResults)

	agg, err := second.store.AggregateResults(ctx, "recover-1")
	require.NoError(t, err)
	assert.Equal(t, totalBatches, agg.Summary.SuccessfulBatches)
	assert.Equal(t, 0, agg.Summary.FailedBatches)
	assert.Len(t, agg.Rows, totalBatches*5, "each batch must contribute exactly one result")

	stats, err = second.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.DeadLettered)
}
