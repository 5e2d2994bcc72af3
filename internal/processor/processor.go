// ============================================================================
// fleetbatch 批次處理器 - 輪詢與執行協調
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 從佇列拉取批次，在有界 Worker Pool 中執行，並將結果寫入結果存儲
//
// 狀態機:
//   STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED
//
// 輪詢循環（單一控制 goroutine）:
//   1. available = max - active
//   2. available > 0 時 Receive(min(available, 32))
//   3. 每個投遞提交給 Worker Pool（不等待）
//   4. 有收到訊息 -> PollInterval 後再輪詢
//      沒有訊息、沒有空槽、或佇列錯誤 -> IdleInterval 後再輪詢
//
// 單批次流程:
//   execute -> SaveBatchResult -> Complete
//   失敗: ShouldRetry ? 留給可見性逾時重新投遞 : DeadLetter + 失敗標記
//   每個最終結果後推進任務狀態（results.Advance）
//
// 崩潰恢復:
//   不需要顯式恢復步驟。執行中崩潰的批次租約逾時後會自動重新投遞，
//   結果寫入是冪等的（相同 jobId/batchIndex 覆蓋）。
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
	"github.com/ChuLiYu/fleetbatch/internal/metrics"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/internal/worker"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// 預設配置
const (
	DefaultMaxConcurrent = 5
	DefaultPollInterval  = 5 * time.Second
	DefaultIdleInterval  = 30 * time.Second
	DefaultShutdownGrace = 60 * time.Second
)

// ErrNotRunning 處理器未在執行
var ErrNotRunning = errors.New("processor is not running")

// ExecuteFunc 執行一個批次並回傳結果資料列
//
// 實作應自行處理逾時；逾時以一般錯誤回傳，進入重試/死信流程。
type ExecuteFunc func(ctx context.Context, batch types.Batch) ([]types.Row, error)

// State 處理器生命週期狀態
type State int32

// 定義狀態常數
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String 回傳狀態名稱
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config 處理器配置
type Config struct {
	MaxConcurrent int           // 同時執行的批次上限
	PollInterval  time.Duration // 收到訊息後的輪詢間隔
	IdleInterval  time.Duration // 空閒時的輪詢間隔
	ShutdownGrace time.Duration // Stop 等待執行中批次的最長時間
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// StopReport Stop 的結果
type StopReport struct {
	Abandoned int           // 寬限期結束時仍在執行的批次數量
	Elapsed   time.Duration // Stop 花費的時間
}

// Stats 處理器執行統計
type Stats struct {
	State        string `json:"state"`
	Active       int    `json:"active"`
	Peak         int    `json:"peak"`
	Succeeded    int64  `json:"succeeded"`
	Failed       int64  `json:"failed"`
	DeadLettered int64  `json:"deadLettered"`
}

// Processor 批次處理器
type Processor struct {
	queue   *queue.Client
	results *results.Store
	execute ExecuteFunc
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	state      State
	pool       *worker.Pool
	stopLoop   context.CancelFunc // 取消輪詢循環
	stopTasks  context.CancelFunc // 寬限期後通知被放棄的批次
	loopDone   chan struct{}
	peak       int
	succeeded  atomic.Int64
	failed     atomic.Int64
	deadLetter atomic.Int64
}

// Option 設定 Processor
type Option func(*Processor)

// WithClock 設定時鐘
func WithClock(c clock.Clock) Option { return func(p *Processor) { p.clock = c } }

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.log = l } }

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option { return func(p *Processor) { p.metrics = m } }

// New 建立處理器
func New(q *queue.Client, store *results.Store, execute ExecuteFunc, cfg Config, opts ...Option) (*Processor, error) {
	if q == nil || store == nil {
		return nil, errors.New("processor requires a queue client and a result store")
	}
	if execute == nil {
		return nil, errors.New("processor requires an execute function")
	}
	p := &Processor{
		queue:   q,
		results: store,
		execute: execute,
		cfg:     cfg.withDefaults(),
		clock:   clock.Real(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "processor")
	return p, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// State 回傳目前狀態
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start 確認佇列可達並啟動輪詢循環
//
// 執行中呼叫為 no-op。佇列無法連線時回傳錯誤並維持 STOPPED。
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStarting
	p.mu.Unlock()

	start := p.clock.Now()
	if err := p.queue.Ensure(ctx); err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("failed to start processor: %w", err)
	}

	pool, err := worker.NewPool(p.cfg.MaxConcurrent,
		worker.WithLogger(p.log),
		worker.WithActiveHook(p.metrics.SetActiveWorkers))
	if err != nil {
		p.setState(StateStopped)
		return err
	}

	// 批次在 Stop 時不會被取消，只有寬限期結束後才收到取消訊號
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	p.mu.Lock()
	p.pool = pool
	p.stopLoop = stopLoop
	p.stopTasks = stopTasks
	p.loopDone = done
	p.state = StateRunning
	p.mu.Unlock()

	go p.loop(loopCtx, taskCtx, pool, done)

	p.metrics.SetRecoveryTime(p.clock.Now().Sub(start).Seconds())
	p.log.Info("processor started",
		"max_concurrent", p.cfg.MaxConcurrent,
		"poll_interval", p.cfg.PollInterval,
		"idle_interval", p.cfg.IdleInterval)
	return nil
}

// Stop 停止輪詢並等待執行中批次，最多 ShutdownGrace
//
// 不會強制終止批次；逾時後回報被放棄的數量。ctx 的期限會縮短寬限期。
func (p *Processor) Stop(ctx context.Context) (StopReport, error) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return StopReport{}, ErrNotRunning
	}
	p.state = StateStopping
	pool, stopLoop, stopTasks, done := p.pool, p.stopLoop, p.stopTasks, p.loopDone
	p.mu.Unlock()

	start := p.clock.Now()
	stopLoop()
	<-done

	grace := p.cfg.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}
	abandoned := pool.Drain(grace)
	stopTasks()
	if abandoned > 0 {
		p.log.Warn("processor stopped with abandoned batches", "abandoned", abandoned)
	}

	p.mu.Lock()
	p.peak = max(p.peak, pool.Peak())
	p.state = StateStopped
	p.mu.Unlock()

	report := StopReport{Abandoned: abandoned, Elapsed: p.clock.Now().Sub(start)}
	p.log.Info("processor stopped", "elapsed", report.Elapsed, "abandoned", abandoned)
	return report, nil
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Stats 回傳執行統計
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	s := Stats{State: p.state.String(), Peak: p.peak}
	if p.pool != nil {
		s.Active = p.pool.Active()
		s.Peak = max(s.Peak, p.pool.Peak())
	}
	p.mu.Unlock()

	s.Succeeded = p.succeeded.Load()
	s.Failed = p.failed.Load()
	s.DeadLettered = p.deadLetter.Load()
	return s
}

// ============================================================================
// 輪詢循環
// ============================================================================

func (p *Processor) loop(ctx, taskCtx context.Context, pool *worker.Pool, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(p.poll(ctx, taskCtx, pool))
	}
}

// poll 執行一次輪詢並回傳下一次輪詢的延遲
func (p *Processor) poll(ctx, taskCtx context.Context, pool *worker.Pool) time.Duration {
	available := pool.Available()
	if available == 0 {
		return p.cfg.IdleInterval
	}

	deliveries, err := p.queue.Receive(ctx, min(available, queue.MaxMessagesPerReceive))
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("failed to receive batches", "error", err)
		}
		return p.cfg.IdleInterval
	}
	if len(deliveries) == 0 {
		return p.cfg.IdleInterval
	}
	p.metrics.RecordReceived(len(deliveries))

	for _, d := range deliveries {
		err := pool.TrySubmit(taskCtx, func(ctx context.Context) {
			p.process(ctx, d)
		})
		if err != nil {
			// 租約逾時後會重新投遞
			p.log.Warn("failed to submit batch", "message_id", d.MessageID, "error", err)
		}
	}
	return p.cfg.PollInterval
}

// ============================================================================
// 單批次執行
// ============================================================================

func (p *Processor) process(ctx context.Context, d queue.Delivery) {
	start := p.clock.Now()
	log := p.log.With("message_id", d.MessageID, "dequeue_count", d.DequeueCount)
	if d.DecodeErr == nil {
		log = log.With("batch", d.Batch.Key())
	}

	err := d.DecodeErr
	if err == nil {
		err = p.runBatch(ctx, d.Batch)
	}
	if err == nil {
		if cerr := p.queue.Complete(ctx, d.MessageID, d.PopReceipt); cerr != nil {
			// 結果已保存；重新投遞只會覆蓋相同物件
			log.Warn("failed to complete batch", "error", cerr)
		}
		p.succeeded.Add(1)
		p.metrics.RecordCompleted(p.clock.Now().Sub(start).Seconds())
		log.Debug("batch completed", "duration", p.clock.Now().Sub(start))
		p.advance(ctx, d.Batch.JobID)
		return
	}

	p.failed.Add(1)
	p.metrics.RecordFailed()
	if p.queue.ShouldRetry(d) {
		log.Warn("batch failed, leaving for redelivery", "error", err)
		return
	}

	if dlErr := p.queue.DeadLetter(ctx, d, err.Error()); dlErr != nil {
		log.Error("failed to dead-letter batch", "error", dlErr)
		return
	}
	p.deadLetter.Add(1)
	log.Warn("batch dead-lettered", "error", err)

	if d.DecodeErr != nil {
		return
	}
	if ferr := p.results.SaveBatchFailure(ctx, d.Batch.JobID, d.Batch.BatchIndex, err.Error()); ferr != nil {
		log.Error("failed to record batch failure", "error", ferr)
	}
	p.advance(ctx, d.Batch.JobID)
}

// runBatch 執行並保存；保存失敗視同執行失敗
func (p *Processor) runBatch(ctx context.Context, batch types.Batch) error {
	rows, err := p.safeExecute(ctx, batch)
	if err != nil {
		return err
	}
	meta := types.ResultMetadata{VMCount: len(batch.WorkItems)}
	if _, err := p.results.SaveBatchResult(ctx, batch.JobID, batch.BatchIndex, rows, meta); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (p *Processor) safeExecute(ctx context.Context, batch types.Batch) (rows []types.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch execution panicked: %v", r)
		}
	}()
	return p.execute(ctx, batch)
}

func (p *Processor) advance(ctx context.Context, jobID string) {
	if _, err := p.results.Advance(ctx, jobID); err != nil {
		p.log.Warn("failed to advance job status", "job_id", jobID, "error", err)
	}
}
