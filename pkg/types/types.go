// Package types 定義了 fleetbatch 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobState 任務（BatchJob）的粗粒度生命週期狀態
type JobState string

// 定義任務狀態常數
const (
	StatePending    JobState = "PENDING"     // 已提交：批次已入隊但尚未開始執行
	StateInProgress JobState = "IN_PROGRESS" // 執行中：至少一個批次已被處理
	StateCompleted  JobState = "COMPLETED"   // 完成：所有批次皆已有結果（可能包含部分失敗）
	StateFailed     JobState = "FAILED"      // 失敗：沒有任何批次成功
)

// IsTerminal 回報狀態是否為終止狀態
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TimeRange 遙測查詢的時間範圍
type TimeRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// JobParams 任務層級參數，每個批次都會攜帶一份副本，使批次可以獨立執行
type JobParams struct {
	TimeRange   TimeRange         `json:"timeRange" yaml:"timeRange"`
	Scope       string            `json:"scope" yaml:"scope"`             // 目標範圍（訂閱、資源群組等）
	WorkspaceID string            `json:"workspaceId" yaml:"workspaceId"` // 遙測工作區識別碼
	Options     map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Batch 任務的一個有界子集，可獨立執行、獨立持久化
//
// 入隊後不可變；(JobID, BatchIndex) 為批次的唯一識別。
type Batch struct {
	JobID      string    `json:"jobId"`
	BatchIndex int       `json:"batchIndex"`
	WorkItems  []string  `json:"workItems"`
	JobParams  JobParams `json:"jobParams"`
	RetryCount int       `json:"retryCount"`
}

// Key 回傳批次的識別字串，用於日誌
func (b Batch) Key() string {
	return fmt.Sprintf("%s/%d", b.JobID, b.BatchIndex)
}

// Row 一筆結果資料列
type Row map[string]any

// ResultMetadata 批次結果的中繼資料
type ResultMetadata struct {
	SavedAt   time.Time `json:"savedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	VMCount   int       `json:"vmCount"`
}

// BatchResult 執行一個批次的結果
type BatchResult struct {
	JobID      string         `json:"jobId"`
	BatchIndex int            `json:"batchIndex"`
	Rows       []Row          `json:"rows"`
	Metadata   ResultMetadata `json:"metadata"`
}

// JobStatus 以 jobId 為鍵的可變狀態記錄
type JobStatus struct {
	JobID          string         `json:"jobId"`
	Status         JobState       `json:"status"`
	TotalBatches   int            `json:"totalBatches,omitempty"`
	Progress       map[string]any `json:"progress,omitempty"`
	PartialResults bool           `json:"partialResults,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// AggregateSummary 聚合結果的統計摘要
type AggregateSummary struct {
	TotalBatches      int `json:"totalBatches"`
	SuccessfulBatches int `json:"successfulBatches"`
	FailedBatches     int `json:"failedBatches"`
}

// AggregateResult 一個任務所有批次結果的合併
type AggregateResult struct {
	JobID   string           `json:"jobId"`
	Rows    []Row            `json:"rows"`
	Summary AggregateSummary `json:"summary"`
}

// ErrEmptyJobID 任務 ID 為空
var ErrEmptyJobID = errors.New("job id is empty")

// Partition 將工作項目切分為有界批次
//
// 批次索引從 0 開始且連續；每個批次最多 maxItems 個項目，並攜帶 params 的副本。
func Partition(jobID string, items []string, maxItems int, params JobParams) ([]Batch, error) {
	if jobID == "" {
		return nil, ErrEmptyJobID
	}
	if maxItems <= 0 {
		return nil, fmt.Errorf("max items per batch must be positive, got %d", maxItems)
	}

	batches := make([]Batch, 0, (len(items)+maxItems-1)/maxItems)
	for start := 0; start < len(items); start += maxItems {
		end := start + maxItems
		if end > len(items) {
			end = len(items)
		}
		chunk := make([]string, end-start)
		copy(chunk, items[start:end])

		batches = append(batches, Batch{
			JobID:      jobID,
			BatchIndex: len(batches),
			WorkItems:  chunk,
			JobParams:  params.clone(),
		})
	}
	return batches, nil
}

func (p JobParams) clone() JobParams {
	out := p
	if p.Options != nil {
		out.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			out.Options[k] = v
		}
	}
	return out
}
