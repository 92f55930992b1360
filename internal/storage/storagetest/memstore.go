// Package storagetest provides an in-memory ObjectStore for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// MemStore is an in-memory storage.ObjectStore.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// Creates counts CreateBucket calls.
	Creates int
	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string][]byte)}
}

func (m *MemStore) Put(ctx context.Context, bucket, key, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	b, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("no such bucket %q", bucket)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b[key] = data
	return nil
}

func (m *MemStore) Get(ctx context.Context, bucket, key, localPath string) error {
	m.mu.Lock()
	data, ok := m.buckets[bucket][key]
	m.mu.Unlock()
	if !ok {
		return errors.New("no such key")
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (m *MemStore) List(ctx context.Context, bucket string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket]
	return ok, nil
}

func (m *MemStore) CreateBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; ok {
		return fmt.Errorf("bucket %q already exists", bucket)
	}
	m.buckets[bucket] = make(map[string][]byte)
	m.Creates++
	return nil
}

// Buckets returns the number of buckets.
func (m *MemStore) Buckets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Object returns the stored bytes for key.
func (m *MemStore) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.buckets[bucket][key]
	return data, ok
}
