package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chanscrape/chanscrape/internal/catalog"
	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/storage"
	"github.com/chanscrape/chanscrape/pkg/lfn"
)

// RetryPolicy bounds retries of media download and storage writes.
// MaxAttempts of 1 or less disables retrying.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, catalog.ErrContractViolation) ||
		errors.Is(err, catalog.ErrCatalogUnreachable) ||
		errors.Is(err, storage.ErrUnsupportedProtocol) ||
		errors.Is(err, lfn.ErrInvalidLFN) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p RetryPolicy) do(ctx context.Context, log logging.Logger, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		log.Warn("retrying after error",
			logging.String("operation", op),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
		)
	})
}
