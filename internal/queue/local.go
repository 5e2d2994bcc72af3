package queue

// ============================================================================
// Local 佇列傳輸層
// ============================================================================
//
// 訊息狀態轉換：
//   Visible (可領取)
//      ↓ Receive(): DequeueCount++，發放新的 PopReceipt，隱藏 visibility 時長
//   Leased (租約中)
//      ↓ Delete(id, receipt)            → 移除
//      ↓ 租約到期未刪除                  → 回到 Visible
//   任何狀態下超過 ExpiresAt              → 移除
//
// 資料結構：
//   messages map[id]*localMessage - 單一真實來源
//   order    []id                 - 入隊順序，Receive / Peek 依此掃描
//
// 若設定 JournalPath，每個狀態變更都會寫入日誌，重啟時重放恢復。
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
)

// defaultCompactEvery 追加多少筆記錄後自動壓縮日誌
const defaultCompactEvery = 4096

// LocalConfig 本地傳輸層設定
type LocalConfig struct {
	Name         string
	JournalPath  string // 空字串表示純記憶體
	SyncOnAppend bool
	CompactEvery int
	Clock        clock.Clock
	Logger       *slog.Logger
}

type localMessage struct {
	id           string
	body         []byte
	insertedAt   time.Time
	expiresAt    time.Time
	visibleAt    time.Time
	dequeueCount int
	receipt      string
}

func (m *localMessage) snapshot() Message {
	body := make([]byte, len(m.body))
	copy(body, m.body)
	return Message{
		ID:            m.id,
		Body:          body,
		PopReceipt:    m.receipt,
		DequeueCount:  m.dequeueCount,
		InsertedAt:    m.insertedAt,
		ExpiresAt:     m.expiresAt,
		NextVisibleAt: m.visibleAt,
	}
}

func (m *localMessage) record() record {
	return record{
		Op:         opSend,
		ID:         m.id,
		Body:       m.body,
		InsertedAt: m.insertedAt,
		ExpiresAt:  m.expiresAt,
		VisibleAt:  m.visibleAt,
		Count:      m.dequeueCount,
		Receipt:    m.receipt,
	}
}

// Local 行程內的佇列傳輸層，可選擇以日誌持久化
type Local struct {
	mu           sync.Mutex
	name         string
	messages     map[string]*localMessage
	order        []string
	journal      *journal
	compactEvery int
	clock        clock.Clock
	log          *slog.Logger
	closed       bool
}

// NewLocal 建立本地傳輸層；設定日誌時會先重放既有記錄再壓縮
func NewLocal(cfg LocalConfig) (*Local, error) {
	l := &Local{
		name:         cfg.Name,
		messages:     make(map[string]*localMessage),
		compactEvery: cfg.CompactEvery,
		clock:        clock.OrReal(cfg.Clock),
		log:          cfg.Logger,
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.compactEvery <= 0 {
		l.compactEvery = defaultCompactEvery
	}

	if cfg.JournalPath == "" {
		return l, nil
	}

	j, err := openJournal(cfg.JournalPath, cfg.SyncOnAppend, l.log, l.apply)
	if err != nil {
		return nil, err
	}
	l.journal = j

	l.mu.Lock()
	l.pruneLocked(l.clock.Now())
	live := l.liveRecordsLocked()
	l.mu.Unlock()

	if err := j.compact(live); err != nil {
		j.close()
		return nil, err
	}
	l.log.Info("queue journal replayed", "queue", l.name, "messages", len(live))
	return l, nil
}

// apply 重放時套用一筆記錄
func (l *Local) apply(rec record) {
	switch rec.Op {
	case opSend:
		if _, exists := l.messages[rec.ID]; !exists {
			l.order = append(l.order, rec.ID)
		}
		l.messages[rec.ID] = &localMessage{
			id:           rec.ID,
			body:         rec.Body,
			insertedAt:   rec.InsertedAt,
			expiresAt:    rec.ExpiresAt,
			visibleAt:    rec.VisibleAt,
			dequeueCount: rec.Count,
			receipt:      rec.Receipt,
		}
	case opLease:
		if m, ok := l.messages[rec.ID]; ok {
			m.visibleAt = rec.VisibleAt
			m.dequeueCount = rec.Count
			m.receipt = rec.Receipt
		}
	case opDelete:
		l.removeLocked(rec.ID)
	case opClear:
		l.messages = make(map[string]*localMessage)
		l.order = nil
	}
}

func (l *Local) liveRecordsLocked() []record {
	live := make([]record, 0, len(l.order))
	for _, id := range l.order {
		live = append(live, l.messages[id].record())
	}
	return live
}

// persistLocked 寫入日誌；呼叫者必須持有 l.mu
func (l *Local) persistLocked(rec record) error {
	if l.journal == nil {
		return nil
	}
	return l.journal.append(rec)
}

// maybeCompactLocked 在狀態變更套用後檢查是否需要壓縮日誌
func (l *Local) maybeCompactLocked() {
	if l.journal == nil || l.journal.appendedSinceCompact() < l.compactEvery {
		return
	}
	if err := l.journal.compact(l.liveRecordsLocked()); err != nil {
		l.log.Warn("journal compaction failed", "queue", l.name, "error", err)
	}
}

func (l *Local) removeLocked(id string) {
	if _, ok := l.messages[id]; !ok {
		return
	}
	delete(l.messages, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// pruneLocked 移除過期訊息
func (l *Local) pruneLocked(now time.Time) {
	var expired []string
	for _, id := range l.order {
		if !now.Before(l.messages[id].expiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		l.removeLocked(id)
		if l.journal != nil {
			if err := l.journal.append(record{Op: opDelete, ID: id}); err != nil {
				l.log.Warn("failed to journal message expiry", "queue", l.name, "id", id, "error", err)
			}
		}
	}
}

// Ensure 確認傳輸層尚未關閉
func (l *Local) Ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Send 寫入訊息，立即可見，ttl 後過期
func (l *Local) Send(ctx context.Context, body []byte, ttl time.Duration) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if ttl <= 0 {
		return Message{}, fmt.Errorf("queue: message ttl must be positive, got %s", ttl)
	}

	now := l.clock.Now().UTC()
	payload := make([]byte, len(body))
	copy(payload, body)
	m := &localMessage{
		id:         uuid.NewString(),
		body:       payload,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
		visibleAt:  now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Message{}, ErrClosed
	}
	if err := l.persistLocked(m.record()); err != nil {
		return Message{}, err
	}
	l.messages[m.id] = m
	l.order = append(l.order, m.id)
	l.maybeCompactLocked()
	return m.snapshot(), nil
}

// Receive 領取最多 max 則可見訊息，並在 visibility 期間隱藏
func (l *Local) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	max = clampMax(max)
	if visibility <= 0 {
		return nil, fmt.Errorf("queue: visibility timeout must be positive, got %s", visibility)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	now := l.clock.Now().UTC()
	l.pruneLocked(now)
	defer l.maybeCompactLocked()

	var claimed []Message
	for _, id := range l.order {
		if len(claimed) >= max {
			break
		}
		m := l.messages[id]
		if now.Before(m.visibleAt) {
			continue
		}

		lease := record{
			Op:        opLease,
			ID:        id,
			VisibleAt: now.Add(visibility),
			Count:     m.dequeueCount + 1,
			Receipt:   uuid.NewString(),
		}
		if err := l.persistLocked(lease); err != nil {
			return claimed, err
		}
		m.visibleAt = lease.VisibleAt
		m.dequeueCount = lease.Count
		m.receipt = lease.Receipt
		claimed = append(claimed, m.snapshot())
	}
	return claimed, nil
}

// Delete 以目前的 pop receipt 刪除已領取的訊息
func (l *Local) Delete(ctx context.Context, id, popReceipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	m, ok := l.messages[id]
	if !ok || !l.clock.Now().Before(m.expiresAt) {
		return ErrMessageNotFound
	}
	if m.receipt != popReceipt {
		return ErrReceiptMismatch
	}
	if err := l.persistLocked(record{Op: opDelete, ID: id}); err != nil {
		return err
	}
	l.removeLocked(id)
	l.maybeCompactLocked()
	return nil
}

// Peek 回傳最多 max 則可見訊息，不領取
func (l *Local) Peek(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	now := l.clock.Now()
	var out []Message
	for _, id := range l.order {
		if max > 0 && len(out) >= max {
			break
		}
		m := l.messages[id]
		if now.Before(m.visibleAt) || !now.Before(m.expiresAt) {
			continue
		}
		msg := m.snapshot()
		msg.PopReceipt = ""
		out = append(out, msg)
	}
	return out, nil
}

// Count 回傳未過期訊息數（含租約中）
func (l *Local) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	now := l.clock.Now()
	n := 0
	for _, m := range l.messages {
		if now.Before(m.expiresAt) {
			n++
		}
	}
	return n, nil
}

// Clear 移除所有訊息並回傳移除數量
func (l *Local) Clear(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	n := len(l.messages)
	if err := l.persistLocked(record{Op: opClear}); err != nil {
		return 0, err
	}
	l.messages = make(map[string]*localMessage)
	l.order = nil
	l.maybeCompactLocked()
	return n, nil
}

// Close 關閉傳輸層並同步日誌
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.journal != nil {
		return l.journal.close()
	}
	return nil
}
