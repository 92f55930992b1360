package platform

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/chanscrape/chanscrape/internal/job"
	"github.com/chanscrape/chanscrape/pkg/config"
)

// OpenJobStore returns a Postgres job store when cfg.URL is set and an
// in-memory store otherwise. The returned close function is never nil.
func OpenJobStore(ctx context.Context, cfg config.DatabaseConfig) (job.Store, func() error, error) {
	if cfg.URL == "" {
		return job.NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := AutoMigrate(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return job.NewPostgresStore(db), db.Close, nil
}
