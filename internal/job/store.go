package job

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store persists jobs. Implementations keep their own copies, so callers may
// keep mutating a job after saving it.
type Store interface {
	NextID(ctx context.Context) (int64, error)
	Insert(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	nonce int64
	jobs  map[int64]*Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]*Job)}
}

func (s *MemoryStore) NextID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	return s.nonce, nil
}

func (s *MemoryStore) Insert(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("insert job %d: already exists", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return fmt.Errorf("update job %d: %w", j.ID, ErrNotFound)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *Job) int { return int(a.ID - b.ID) })
	return out, nil
}
