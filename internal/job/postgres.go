package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// PostgresStore persists jobs in the jobs table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type jobRow struct {
	ID         int64          `db:"id"`
	Name       string         `db:"name"`
	TracerID   string         `db:"tracer_id"`
	State      string         `db:"state"`
	CreatedAt  time.Time      `db:"created_at"`
	Heartbeat  time.Time      `db:"heartbeat"`
	Messages   pq.StringArray `db:"messages"`
	OutputLFNs []byte         `db:"output_lfns"`
	InputLFNs  []byte         `db:"input_lfns"`
	Args       []byte         `db:"args"`
}

const selectJobs = `SELECT id, name, tracer_id, state, created_at, heartbeat, messages, output_lfns, input_lfns, args FROM jobs`

func toRow(j *Job) (*jobRow, error) {
	out, err := json.Marshal(j.OutputLFNs)
	if err != nil {
		return nil, fmt.Errorf("marshal output lfns: %w", err)
	}
	in, err := json.Marshal(j.InputLFNs)
	if err != nil {
		return nil, fmt.Errorf("marshal input lfns: %w", err)
	}
	args, err := json.Marshal(j.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return &jobRow{
		ID:         j.ID,
		Name:       j.Name,
		TracerID:   j.TracerID,
		State:      string(j.State),
		CreatedAt:  j.CreatedAt,
		Heartbeat:  j.Heartbeat,
		Messages:   pq.StringArray(j.Messages),
		OutputLFNs: out,
		InputLFNs:  in,
		Args:       args,
	}, nil
}

func (r *jobRow) toJob() (*Job, error) {
	j := &Job{
		ID:         r.ID,
		Name:       r.Name,
		TracerID:   r.TracerID,
		State:      State(r.State),
		CreatedAt:  r.CreatedAt,
		Heartbeat:  r.Heartbeat,
		Messages:   []string(r.Messages),
		OutputLFNs: []lfn.LFN{},
	}
	if j.Messages == nil {
		j.Messages = []string{}
	}
	if err := unmarshalNullable(r.OutputLFNs, &j.OutputLFNs); err != nil {
		return nil, fmt.Errorf("job %d output lfns: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.InputLFNs, &j.InputLFNs); err != nil {
		return nil, fmt.Errorf("job %d input lfns: %w", r.ID, err)
	}
	if err := unmarshalNullable(r.Args, &j.Args); err != nil {
		return nil, fmt.Errorf("job %d args: %w", r.ID, err)
	}
	return j, nil
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *PostgresStore) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT nextval('jobs_id_seq')`); err != nil {
		return 0, fmt.Errorf("next job id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Insert(ctx context.Context, j *Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO jobs (id, name, tracer_id, state, created_at, heartbeat, messages, output_lfns, input_lfns, args)
		 VALUES (:id, :name, :tracer_id, :state, :created_at, :heartbeat, :messages, :output_lfns, :input_lfns, :args)`,
		row)
	if err != nil {
		return fmt.Errorf("insert job %d: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, j *Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET state = $2, heartbeat = $3, messages = $4, output_lfns = $5, input_lfns = $6
		 WHERE id = $1`,
		row.ID, row.State, row.Heartbeat, row.Messages, row.OutputLFNs, row.InputLFNs)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update job %d: %w", j.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, selectJobs+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return row.toJob()
}

func (s *PostgresStore) List(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, selectJobs+` ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
