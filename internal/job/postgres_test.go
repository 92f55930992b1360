package job

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

var jobColumns = []string{"id", "name", "tracer_id", "state", "created_at", "heartbeat", "messages", "output_lfns", "input_lfns", "args"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestPostgresNextID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT nextval\('jobs_id_seq'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(5))

	id, err := store.NextID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsert(t *testing.T) {
	store, mock := newMockStore(t)
	j := New(3, "telegram-3", "tracer")

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(3), "telegram-3", "tracer", "created",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("[]"), []byte("null"), []byte("null")).
		WillReturnResult(sqlmock.NewResult(3, 1))

	require.NoError(t, store.Insert(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	j := New(3, "telegram-3", "tracer")
	require.NoError(t, j.Start())

	mock.ExpectExec("UPDATE jobs").
		WithArgs(int64(3), "running", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Update(context.Background(), j))

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Update(context.Background(), j), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l, err := lfn.FromParts(lfn.ProtocolS3, "tracer", 3, lfn.SourceTelegram, "photos/a-u0123456789ab.photo")
	require.NoError(t, err)
	outputs := `[` + l.String() + `]`

	mock.ExpectQuery(`SELECT id, name, tracer_id .* FROM jobs WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(3, "telegram-3", "tracer", "finished", created, created,
				"{\"message 2: boom\"}", []byte(outputs), nil, []byte(`{"channel_name":"gcc"}`)))

	j, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, j.State)
	assert.Equal(t, []string{"message 2: boom"}, j.Messages)
	assert.Equal(t, []lfn.LFN{l}, j.OutputLFNs)
	assert.Nil(t, j.InputLFNs)
	assert.Equal(t, "gcc", j.Args["channel_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM jobs WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresList(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM jobs ORDER BY id").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow(1, "t-1", "a", "created", created, created, "{}", []byte("[]"), nil, nil).
			AddRow(2, "t-2", "b", "running", created, created, "{}", []byte("[]"), nil, nil))

	jobs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "t-2", jobs[1].Name)
	assert.Equal(t, StateRunning, jobs[1].State)
	assert.Empty(t, jobs[0].Messages)
	assert.NoError(t, mock.ExpectationsWereMet())
}
