package testutils

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryArchive is an in-memory digest archive.
type MemoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	failing map[string]error // key prefix -> error
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		objects: make(map[string][]byte),
		failing: make(map[string]error),
	}
}

func (a *MemoryArchive) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failure(key); err != nil {
		return err
	}
	a.objects[key] = slices.Clone(data)
	return nil
}

func (a *MemoryArchive) Get(ctx context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failure(key); err != nil {
		return nil, err
	}
	data, ok := a.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return slices.Clone(data), nil
}

func (a *MemoryArchive) failure(key string) error {
	for prefix, err := range a.failing {
		if strings.HasPrefix(key, prefix) {
			return err
		}
	}
	return nil
}

// Fail makes every operation on keys under prefix return err. A nil err
// clears the failure.
func (a *MemoryArchive) Fail(prefix string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failing, prefix)
		return
	}
	a.failing[prefix] = err
}

// Keys returns the stored keys in order.
func (a *MemoryArchive) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
