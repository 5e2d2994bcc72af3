package blob

// ============================================================================
// 職責說明：
// 1. 每個物件存成一個檔案（JSON 信封：metadata + createdAt + data）
// 2. 使用原子性寫入（temp file + rename）防止半寫入的物件被讀到
// 3. 以目錄走訪實作前綴列舉，結果依 key 排序
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
)

const (
	objectSuffix = ".blob"
	tempSuffix   = ".tmp"
)

// ErrCorruptedObject 物件檔案無法解析
var ErrCorruptedObject = errors.New("blob: object file is corrupted")

// envelope 物件檔案在磁碟上的格式
type envelope struct {
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
	Data      []byte            `json:"data"` // base64
}

// FS 以本地目錄實作的 Store
type FS struct {
	root  string
	clock clock.Clock
	mu    sync.RWMutex // 保護同一行程內的寫入與刪除
}

// NewFS 建立檔案系統 Store，root 不存在時會自動建立
func NewFS(root string, c clock.Clock) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FS{root: root, clock: clock.OrReal(c)}, nil
}

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)) + objectSuffix
}

// Put 原子性寫入物件
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. os.Rename 原子性替換
func (s *FS) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(envelope{
		Metadata:  copyMetadata(metadata),
		CreatedAt: s.clock.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create object dir: %w", err)
	}

	tmpPath := target + tempSuffix
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp object: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename object: %w", err)
	}
	return nil
}

func (s *FS) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	env, err := s.read(s.path(key))
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return &Object{
		ObjectInfo: ObjectInfo{
			Key:       key,
			Size:      int64(len(env.Data)),
			Metadata:  env.Metadata,
			CreatedAt: env.CreatedAt,
		},
		Data: env.Data,
	}, nil
}

func (s *FS) read(path string) (*envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedObject, err)
	}
	if env.Metadata == nil {
		env.Metadata = map[string]string{}
	}
	return &env, nil
}

func (s *FS) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

func (s *FS) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List 走訪前綴所在的最深目錄並回傳符合前綴的物件描述
//
// 只走訪可能包含前綴的子樹；不符合的目錄整棵略過。寫入以 rename 完成，
// 因此走訪時不持有鎖，列舉期間被刪除的物件直接略過。
// 每個物件都需要讀檔取得 metadata 與 createdAt；損壞的物件仍會列出，
// 但 CreatedAt 取檔案修改時間，讓上層在 Get 時才處理錯誤。
func (s *FS) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(filepath.Join(s.root, filepath.FromSlash(listStart(prefix))), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && !dirMayMatch(rel, prefix) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(rel, objectSuffix) {
			return nil
		}
		key := strings.TrimSuffix(rel, objectSuffix)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info := ObjectInfo{Key: key, Metadata: map[string]string{}}
		env, readErr := s.read(path)
		switch {
		case readErr == nil:
			info.Size = int64(len(env.Data))
			info.Metadata = env.Metadata
			info.CreatedAt = env.CreatedAt
		case errors.Is(readErr, ErrNotFound):
			return nil
		default:
			if fi, statErr := d.Info(); statErr == nil {
				info.CreatedAt = fi.ModTime()
			}
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// listStart 回傳前綴中最後一個 "/" 之前的目錄部分（相對 root）
func listStart(prefix string) string {
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i]
	}
	return ""
}

// dirMayMatch 回報相對路徑為 dir 的目錄底下是否可能有符合 prefix 的 key
func dirMayMatch(dir, prefix string) bool {
	dir += "/"
	return strings.HasPrefix(dir, prefix) || strings.HasPrefix(prefix, dir)
}

// Root 取得根目錄（用於測試與除錯）
func (s *FS) Root() string {
	return s.root
}

func (s *FS) Close() error { return nil }
