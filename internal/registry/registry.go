// Package registry persists which source files have been loaded.
//
// The registry table is the single source of truth for idempotency: a row
// per successfully loaded (bucket, key), inserted in the same transaction as
// the data load, guarded by a UNIQUE (bucket, key) constraint. The in-flight
// existence check is a fast path only; the constraint is the real
// enforcement against racing redeliveries.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"csvingest/internal/pgdb"
)

// ErrAlreadyRecorded indicates another invocation recorded the same
// (bucket, key) first. The caller should discard its load and treat the file
// as processed.
var ErrAlreadyRecorded = errors.New("file already recorded as processed")

// DB is the transactional surface the registry operates on.
// Satisfied by pgdb.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record describes one successful load.
type Record struct {
	Bucket        string
	Key           string
	TargetTable   string
	Duration      time.Duration
	RowsCopied    int64
	FileSizeBytes int64
}

// EnsureSchema creates the registry table if it does not exist. CREATE TABLE
// IF NOT EXISTS keeps this safe under concurrent invocations; there is no
// separate existence check.
func EnsureSchema(ctx context.Context, db DB, table string) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			target_table TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL,
			processing_time INTERVAL NOT NULL,
			rows_copied BIGINT NOT NULL,
			file_size_bytes BIGINT NOT NULL,
			UNIQUE (bucket, key)
		)`, pgdb.Identifier(table))

	if _, err := db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure registry table %s: %w", table, err)
	}
	return nil
}

// IsProcessed reports whether a successful load is already recorded for
// (bucket, key). One indexed lookup.
func IsProcessed(ctx context.Context, db DB, table, bucket, key string) (bool, error) {
	stmt := fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE bucket = $1 AND key = $2)",
		pgdb.Identifier(table),
	)

	var processed bool
	if err := db.QueryRow(ctx, stmt, bucket, key).Scan(&processed); err != nil {
		return false, fmt.Errorf("check registry for s3://%s/%s: %w", bucket, key, err)
	}
	return processed, nil
}

// RecordSuccess inserts the processed-file row. Runs inside the same
// transaction as the data load so the row exists if and only if the load
// commits. A unique violation means a racing invocation won; it is surfaced
// as ErrAlreadyRecorded, not a failure.
func RecordSuccess(ctx context.Context, db DB, table string, rec Record) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (bucket, key, target_table, processed_at, processing_time, rows_copied, file_size_bytes)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, $4, $5, $6)`,
		pgdb.Identifier(table),
	)

	_, err := db.Exec(ctx, stmt, rec.Bucket, rec.Key, rec.TargetTable, rec.Duration, rec.RowsCopied, rec.FileSizeBytes)
	if err != nil {
		if pgdb.IsUniqueViolation(err) {
			return fmt.Errorf("record s3://%s/%s: %w", rec.Bucket, rec.Key, ErrAlreadyRecorded)
		}
		return fmt.Errorf("record s3://%s/%s: %w", rec.Bucket, rec.Key, err)
	}
	return nil
}
