package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"securechat/metrics"
	"securechat/models"
)

// RetryBackoff is the base delay between attempts; attempt n sleeps n*RetryBackoff.
var RetryBackoff = 50 * time.Millisecond

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// deadlock, lock wait timeout
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// WithRetry runs fn until it succeeds, fails with a non-transient error, or
// the attempt budget is spent, in which case ErrUnavailable wraps the last error.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); !IsTransient(err) {
			return err
		}
		metrics.StorageRetries.Inc()
		log.Warn().Err(err).Int("attempt", i).Msg("transient storage failure")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * RetryBackoff):
		}
	}
	return fmt.Errorf("%w: %w", models.ErrUnavailable, err)
}

// Transaction runs fn inside a transaction under WithRetry. fn may run more
// than once and must not keep state across attempts.
func Transaction(ctx context.Context, db *gorm.DB, attempts int, fn func(tx *gorm.DB) error) error {
	return WithRetry(ctx, attempts, func() error {
		return db.WithContext(ctx).Transaction(fn)
	})
}

// IsDuplicate reports a unique constraint violation, translated by gorm.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
