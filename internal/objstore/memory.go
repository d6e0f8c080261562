package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

type memoryObject struct {
	data       []byte
	appendable bool
	modTime    time.Time
}

// MemoryStore keeps objects in process memory. It mirrors the append/immutable
// split of the persistent backends so it can stand in for them in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

func init() {
	Register("memory", func(args interface{}) (Store, error) {
		return NewMemoryStore(), nil
	})
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

func (s *MemoryStore) Type() string {
	return "memory"
}

func (s *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &ObjectInfo{Size: int64(len(obj.data)), Appendable: obj.appendable, ModTime: obj.modTime}, nil
}

func (s *MemoryStore) Read(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return sliceRange(obj.data, offset, length), nil
}

func (s *MemoryStore) Write(ctx context.Context, key string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.objects[key] = &memoryObject{data: buf, modTime: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateAppendable(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return appErr.ErrConflict
	}
	s.objects[key] = &memoryObject{data: []byte{}, appendable: true, modTime: time.Now()}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return appErr.ErrNotFound
	}
	if !obj.appendable {
		return appErr.ErrNotAppendable
	}
	obj.data = append(obj.data, data...)
	obj.modTime = time.Now()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
