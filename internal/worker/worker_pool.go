// ============================================================================
// fleetbatch Worker Pool - 有界並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 限制同時執行的批次數量，每個任務在獨立 goroutine 中執行
//
// 設計模式:
//   與固定 Worker 數量的通道模型不同，這裡每次提交啟動一個 goroutine，
//   由 active 計數器（CAS）限制上限：
//
//   ┌─────────────┐  TrySubmit()  ┌──────────────────────────┐
//   │  Processor  │ ────────────> │ Pool (active <= max)      │
//   └─────────────┘               │  go task(ctx) ... go ...  │
//                                 └──────────────────────────┘
//
// 並發控制:
//   - active: atomic.Int64，提交前以 CompareAndSwap 佔位，永不超過 max
//   - peak:   歷史最高 active，用於觀察與測試
//   - mu:     保護 closed 與 wg.Add 的順序，避免 Drain 後仍有 Add
//
// 優雅關閉:
//   Drain(timeout) 流程：
//   1. 標記 closed，不再接受新任務
//   2. 等待執行中任務完成，最多 timeout
//   3. 回傳逾時後仍在執行的任務數量（不會強制終止任務）
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolFull 所有執行槽都被佔用
	ErrPoolFull = errors.New("worker pool is full")
	// ErrPoolClosed Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task 一個可執行的工作單元
type Task func(ctx context.Context)

// Pool 有界並發執行器
type Pool struct {
	max    int64
	active atomic.Int64
	peak   atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	log      *slog.Logger
	onChange func(active int)
}

// Option 設定 Pool
type Option func(*Pool)

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithActiveHook 每次 active 變化時回呼（例如更新 gauge）
func WithActiveHook(fn func(active int)) Option {
	return func(p *Pool) { p.onChange = fn }
}

// NewPool 創建最多同時執行 max 個任務的 Pool
func NewPool(max int, opts ...Option) (*Pool, error) {
	if max <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", max)
	}
	p := &Pool{
		max: int64(max),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Max 回傳並發上限
func (p *Pool) Max() int { return int(p.max) }

// Active 回傳正在執行的任務數量
func (p *Pool) Active() int { return int(p.active.Load()) }

// Available 回傳可用的執行槽數量
func (p *Pool) Available() int {
	n := p.max - p.active.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Peak 回傳歷史最高並發數
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// TrySubmit 嘗試佔用一個執行槽並在新 goroutine 中執行 task
//
// 不會阻塞：沒有空槽時回傳 ErrPoolFull。task 中的 panic 會被回收並記錄。
func (p *Pool) TrySubmit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.acquire() {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.release()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("worker task panicked", "panic", r)
			}
		}()
		task(ctx)
	}()
	return nil
}

func (p *Pool) acquire() bool {
	for {
		cur := p.active.Load()
		if cur >= p.max {
			return false
		}
		if p.active.CompareAndSwap(cur, cur+1) {
			p.raisePeak(cur + 1)
			p.notify(cur + 1)
			return true
		}
	}
}

func (p *Pool) raisePeak(n int64) {
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *Pool) release() {
	p.notify(p.active.Add(-1))
}

func (p *Pool) notify(n int64) {
	if p.onChange != nil {
		p.onChange(int(n))
	}
}

// Drain 關閉 Pool 並等待執行中任務，最多 timeout
//
// 回傳逾時時仍在執行的任務數量；timeout <= 0 表示不等待。
func (p *Pool) Drain(timeout time.Duration) int {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		select {
		case <-done:
			return 0
		default:
			return p.Active()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return 0
	case <-timer.C:
		abandoned := p.Active()
		p.log.Warn("worker pool drain timed out", "abandoned", abandoned)
		return abandoned
	}
}

// Closed 回報 Pool 是否已關閉
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
