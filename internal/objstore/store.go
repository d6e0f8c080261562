package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/chatdistill/internal/config"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size       int64
	Appendable bool
	ModTime    time.Time
}

// Store is a flat key/value object namespace. Writes replace whole objects and
// leave them immutable; only objects created with CreateAppendable accept
// Append.
type Store interface {
	Type() string
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Read(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	CreateAppendable(ctx context.Context, key string) error
	Append(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

type Factory func(args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.ObjectStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("object_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported object store type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("store config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}

// sliceRange applies Read's offset/length semantics to an in-memory object.
func sliceRange(data []byte, offset, length int64) []byte {
	if offset < 0 {
		offset = 0
	}
	size := int64(len(data))
	if offset >= size {
		return []byte{}
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out
}
