package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process object listing for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]int64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{buckets: map[string]map[string]int64{}}
}

// Put records an object of the given size.
func (m *Memory) Put(bucket, key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[string]int64{}
		m.buckets[bucket] = b
	}
	b[key] = size
}

func (m *Memory) list(bucket, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", bucket)
	}
	var out []Object
	for k, size := range b {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) GetSize(_ context.Context, bucket, prefix string) (int64, error) {
	objs, err := m.list(bucket, prefix)
	if err != nil {
		return 0, err
	}
	return TotalSize(objs), nil
}

func (m *Memory) Partition(_ context.Context, bucket, prefix string, workers int) ([][]string, error) {
	objs, err := m.list(bucket, prefix)
	if err != nil {
		return nil, err
	}
	return Balance(objs, workers), nil
}
