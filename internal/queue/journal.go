package queue

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加佇列事件到日誌檔案（append-only，JSON lines）
// 2. 每筆記錄附帶 CRC32 校驗和，重放時驗證
// 3. 開啟時重放以恢復佇列狀態；尾端的半寫入記錄會被忽略
// 4. 以 temp file + rename 原子性壓縮日誌
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	// ErrCorruptedJournal 日誌中段損壞（非尾端），無法安全重放
	ErrCorruptedJournal = errors.New("queue: journal is corrupted")
	// ErrChecksumMismatch 記錄校驗和不符
	ErrChecksumMismatch = errors.New("queue: journal checksum mismatch")
)

// recordOp 日誌事件類型
type recordOp string

const (
	opSend   recordOp = "SEND"   // 訊息入隊（壓縮後也用來表示完整訊息狀態）
	opLease  recordOp = "LEASE"  // 訊息被領取，更新 receipt / count / visibleAt
	opDelete recordOp = "DELETE" // 訊息被刪除或過期
	opClear  recordOp = "CLEAR"  // 清空佇列
)

// record 日誌記錄
type record struct {
	Op         recordOp  `json:"op"`
	ID         string    `json:"id,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	InsertedAt time.Time `json:"insertedAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	VisibleAt  time.Time `json:"visibleAt,omitempty"`
	Count      int       `json:"count,omitempty"`
	Receipt    string    `json:"receipt,omitempty"`
	Checksum   uint32    `json:"crc"`
}

// checksum 以 Checksum 欄位歸零後的 JSON 計算 CRC32-IEEE
func (r record) checksum() (uint32, error) {
	r.Checksum = 0
	raw, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(raw), nil
}

// journal 佇列的追加式日誌
type journal struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	syncOnAppend bool // 是否每次追加都強制同步
	appended     int  // 上次壓縮後追加的記錄數
	log          *slog.Logger
}

// openJournal 開啟或建立日誌檔案，並以 apply 重放既有記錄
//
// 行為：
//   - 檔案不存在時建立新檔
//   - 最後一行解析失敗或校驗和不符時視為半寫入，忽略並記錄警告
//   - 中段損壞回傳 ErrCorruptedJournal
func openJournal(path string, syncOnAppend bool, logger *slog.Logger, apply func(record)) (*journal, error) {
	if err := replayJournal(path, logger, apply); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &journal{
		path:         path,
		file:         file,
		syncOnAppend: syncOnAppend,
		log:          logger,
	}, nil
}

func replayJournal(path string, logger *slog.Logger, apply func(record)) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	lineNo := 0
	var pending error // 前一行的錯誤，只有在後面還有記錄時才是致命的
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			if pending != nil {
				return fmt.Errorf("%w: %v", ErrCorruptedJournal, pending)
			}

			rec, err := decodeRecord(line)
			if err != nil {
				pending = fmt.Errorf("line %d: %w", lineNo, err)
			} else {
				apply(rec)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read journal: %w", readErr)
		}
	}

	if pending != nil {
		logger.Warn("ignoring torn journal tail", "path", path, "error", pending)
	}
	return nil
}

func decodeRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	sum, err := rec.checksum()
	if err != nil {
		return rec, err
	}
	if sum != rec.Checksum {
		return rec, ErrChecksumMismatch
	}
	return rec, nil
}

func encodeRecord(rec record) ([]byte, error) {
	sum, err := rec.checksum()
	if err != nil {
		return nil, err
	}
	rec.Checksum = sum
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// append 追加一筆記錄
func (j *journal) append(rec record) error {
	line, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	j.appended++
	return nil
}

// compact 以目前狀態重寫日誌
//
// 原子性流程：
// 1. 將 live 記錄寫入臨時檔案（.tmp）並 fsync
// 2. os.Rename 替換原始檔案
// 3. 重新以追加模式開啟
func (j *journal) compact(live []record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp journal: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range live {
		line, err := encodeRecord(rec)
		if err == nil {
			_, err = w.Write(line)
		}
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write temp journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush temp journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp journal: %w", err)
	}
	tmp.Close()

	if err := j.file.Close(); err != nil {
		j.log.Warn("closing journal before compaction failed", "error", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		// 舊檔仍在，重新開啟以便繼續追加
		if file, openErr := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); openErr == nil {
			j.file = file
		}
		return fmt.Errorf("failed to rename journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.appended = 0
	return nil
}

func (j *journal) appendedSinceCompact() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appended
}

// close 關閉日誌；關閉後的實例不可重用
func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
