// Package loader streams file contents into a destination table.
//
// The source stream is handed directly to the COPY FROM STDIN wire protocol;
// bytes flow from the object store into the database through the protocol's
// own buffering, so memory use is independent of file size. There is no
// partial-row recovery: a mid-stream failure poisons the transaction and the
// next attempt reloads from byte zero.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"csvingest/internal/humanfmt"
	"csvingest/internal/logctx"
	"csvingest/internal/pgdb"
)

// ErrCopyFailed indicates the bulk load did not complete. The transaction it
// ran in must be rolled back.
var ErrCopyFailed = errors.New("bulk load failed")

// Copier executes a COPY ... FROM STDIN statement fed by a reader.
// Satisfied by pgdb.Tx.
type Copier interface {
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)
}

// Result reports a completed load.
type Result struct {
	RowsCopied int64
	Duration   time.Duration
}

// Copy streams src into table as CSV with a header row. Returns the exact
// row count from the command tag.
func Copy(ctx context.Context, c Copier, src io.Reader, table string) (Result, error) {
	logger := logctx.FromContext(ctx)

	stmt := fmt.Sprintf(
		"COPY %s FROM STDIN WITH (FORMAT csv, HEADER true, DELIMITER ',')",
		pgdb.Identifier(table),
	)

	start := time.Now()
	tag, err := c.CopyFrom(ctx, src, stmt)
	if err != nil {
		return Result{}, fmt.Errorf("%w: table %s: %w", ErrCopyFailed, table, err)
	}

	res := Result{
		RowsCopied: tag.RowsAffected(),
		Duration:   time.Since(start),
	}

	logger.Info().
		Str("table", table).
		Int64("rows_copied", res.RowsCopied).
		Str("duration", humanfmt.Duration(res.Duration)).
		Msg("copy complete")

	return res, nil
}
