package processor

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// Submission 提交任務的結果
type Submission struct {
	Status  types.JobStatus      `json:"status"`
	Enqueue queue.EnqueueSummary `json:"enqueue"`
}

// Submit 切分工作項目、記錄 PENDING 狀態並將所有批次入隊
//
// 狀態先於訊息寫入，使處理器推進狀態時已知道總批次數。
// 入隊中途失敗時，已入隊的批次仍會被處理。
func Submit(ctx context.Context, q *queue.Client, store *results.Store, jobID string, items []string, batchSize int, params types.JobParams) (*Submission, error) {
	batches, err := types.Partition(jobID, items, batchSize, params)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("job %s has no work items", jobID)
	}

	status := types.JobStatus{
		JobID:        jobID,
		Status:       types.StatePending,
		TotalBatches: len(batches),
		Progress: map[string]any{
			"completedBatches": 0,
			"failedBatches":    0,
			"totalBatches":     len(batches),
		},
	}
	if err := store.SaveJobStatus(ctx, status); err != nil {
		return nil, err
	}

	summary, err := q.EnqueueAll(ctx, jobID, batches, params)
	sub := &Submission{Status: status, Enqueue: summary}
	if err != nil {
		return sub, fmt.Errorf("enqueued %d of %d batches: %w", summary.BatchCount, len(batches), err)
	}
	return sub, nil
}
