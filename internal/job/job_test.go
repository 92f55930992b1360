package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

func fixedClock(t *testing.T) *time.Time {
	t.Helper()
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := now
	now = func() time.Time { return current }
	t.Cleanup(func() { now = prev })
	return &current
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateFailed, true},
		{StateCreated, StateFinished, false},
		{StateRunning, StateFailed, true},
		{StateRunning, StateFinished, true},
		{StateRunning, StateCreated, false},
		{StateFailed, StateFinished, true},
		{StateFailed, StateRunning, false},
		{StateFinished, StateFailed, false},
		{StateFinished, StateRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StateFinished.Terminal())
	assert.False(t, StateFailed.Terminal())
}

func TestLifecycleWithFailedExcursion(t *testing.T) {
	clock := fixedClock(t)
	j := New(1, "telegram-1", "tracer")
	assert.Equal(t, StateCreated, j.State)

	require.NoError(t, j.Start())
	assert.ErrorIs(t, j.Start(), ErrInvalidTransition)

	*clock = clock.Add(time.Minute)
	require.NoError(t, j.Fail("message 3: download failed"))
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, clock.UTC(), j.Heartbeat)

	// a second failure only appends
	require.NoError(t, j.Fail("message 4: upload failed"))
	assert.Len(t, j.Messages, 2)

	require.NoError(t, j.Finish())
	assert.Equal(t, StateFinished, j.State)
	assert.ErrorIs(t, j.Fail("late"), ErrInvalidTransition)
}

func TestAddOutputBumpsHeartbeat(t *testing.T) {
	clock := fixedClock(t)
	j := New(1, "n", "tr")
	created := j.Heartbeat

	*clock = clock.Add(time.Second)
	l, err := lfn.New(lfn.ProtocolLocal, "tr", 1, lfn.SourceTelegram, "a.photo")
	require.NoError(t, err)
	j.AddOutput(l)

	assert.True(t, j.Heartbeat.After(created))
	assert.Equal(t, []lfn.LFN{l}, j.OutputLFNs)
}

func TestCloneIsDeep(t *testing.T) {
	j := New(1, "n", "tr")
	j.Args = map[string]string{"channel_name": "a"}
	j.AddMessage("one")

	c := j.Clone()
	c.AddMessage("two")
	c.Args["channel_name"] = "b"

	assert.Len(t, j.Messages, 1)
	assert.Equal(t, "a", j.Args["channel_name"])
}

func TestManagerCreateGetList(t *testing.T) {
	ctx := context.Background()
	m := NewManager("telegram", NewMemoryStore())

	a, err := m.Create(ctx, "tracer-a", map[string]string{"channel_name": "x"})
	require.NoError(t, err)
	b, err := m.Create(ctx, "tracer-b", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, "telegram-1", a.Name)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, "telegram-2", b.Name)

	got, err := m.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tracer-a", got.TracerID)
	assert.Equal(t, "x", got.Args["channel_name"])

	_, err = m.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].ID)

	for _, tracer := range []string{"", ".", "..", "a/b"} {
		_, err = m.Create(ctx, tracer, nil)
		assert.ErrorIs(t, err, lfn.ErrInvalidLFN, tracer)
	}
	all, err = m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "rejected tracers must not allocate jobs")
}

func TestManagerDefaultName(t *testing.T) {
	j, err := NewManager("", NewMemoryStore()).Create(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "default-1", j.Name)
}

func TestMemoryStoreReturnsSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewManager("t", NewMemoryStore())
	j, err := m.Create(ctx, "tr", nil)
	require.NoError(t, err)

	require.NoError(t, j.Start())
	stored, err := m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, stored.State, "unsaved changes are not visible")

	require.NoError(t, m.Save(ctx, j))
	stored, err = m.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, stored.State)

	assert.ErrorIs(t, m.Save(ctx, New(42, "x", "y")), ErrNotFound)
}

func TestMemoryStoreConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	m := NewManager("t", NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, "tr", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, j := range all {
		assert.Equal(t, int64(i+1), j.ID)
	}
}
