package blob

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/fleetbatch/internal/clock"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*Object
	clock   clock.Clock
}

// NewMemory creates an empty in-memory store. A nil clock uses wall time.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		objects: make(map[string]*Object),
		clock:   clock.OrReal(c),
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &Object{
		ObjectInfo: ObjectInfo{
			Key:       key,
			Size:      int64(len(payload)),
			Metadata:  copyMetadata(metadata),
			CreatedAt: m.clock.Now(),
		},
		Data: payload,
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := &Object{ObjectInfo: obj.ObjectInfo, Data: make([]byte, len(obj.Data))}
	out.Metadata = copyMetadata(obj.Metadata)
	copy(out.Data, obj.Data)
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			info := obj.ObjectInfo
			info.Metadata = copyMetadata(obj.Metadata)
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Corrupt replaces the payload of key without touching its metadata.
// Tests use it to simulate unreadable objects.
func (m *Memory) Corrupt(key string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return false
	}
	obj.Data = append([]byte(nil), data...)
	obj.Size = int64(len(data))
	return true
}

func (m *Memory) Close() error { return nil }
