package job

import (
	"context"
	"fmt"
	"maps"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// Manager creates and looks up jobs. Ids increase monotonically and names
// follow "<manager name>-<id>".
type Manager struct {
	name  string
	store Store
}

// NewManager creates a Manager. An empty name becomes "default".
func NewManager(name string, store Store) *Manager {
	if name == "" {
		name = "default"
	}
	return &Manager{name: name, store: store}
}

// Create registers a new CREATED job.
func (m *Manager) Create(ctx context.Context, tracerID string, args map[string]string) (*Job, error) {
	if err := lfn.ValidTracerID(tracerID); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	id, err := m.store.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	j := New(id, fmt.Sprintf("%s-%d", m.name, id), tracerID)
	j.Args = maps.Clone(args)
	if err := m.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Get returns a snapshot of job id.
func (m *Manager) Get(ctx context.Context, id int64) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List returns snapshots of every job, ordered by id.
func (m *Manager) List(ctx context.Context) ([]*Job, error) {
	return m.store.List(ctx)
}

// Save persists the current state of j.
func (m *Manager) Save(ctx context.Context, j *Job) error {
	return m.store.Update(ctx, j)
}
