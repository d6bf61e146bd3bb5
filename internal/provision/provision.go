// Package provision creates destination tables lazily.
//
// The first file for a logical grouping creates its table with a best-effort
// layout: one TEXT column per CSV header field. Existing tables are never
// validated or migrated; a column mismatch surfaces as a load-time error on
// the COPY, not as a provisioning decision.
package provision

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"csvingest/internal/pgdb"
	"csvingest/internal/tablename"
)

// ErrEmptyFile indicates the source file has no header row.
var ErrEmptyFile = errors.New("source file is empty")

// ErrBadHeader indicates the header row could not be parsed as CSV.
var ErrBadHeader = errors.New("malformed header row")

// DB is the statement surface the provisioner needs. Satisfied by pgdb.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PeekHeader reads the CSV header line from r and returns the column names
// plus a reader that replays the complete stream from byte zero, header
// included. Only the header line is buffered; the rest of r is untouched.
func PeekHeader(r io.Reader) ([]string, io.Reader, error) {
	br := bufio.NewReader(r)

	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("read header line: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return nil, nil, ErrEmptyFile
	}

	fields, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	cols := Columns(fields)
	full := io.MultiReader(strings.NewReader(line), br)
	return cols, full, nil
}

// Columns converts raw header fields into unique, safe column identifiers.
// Unusable names fall back to positional ones; duplicates get a numeric
// suffix.
func Columns(fields []string) []string {
	cols := make([]string, 0, len(fields))
	seen := make(map[string]int, len(fields))

	for i, f := range fields {
		name := tablename.Sanitize(f)
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name]++
		cols = append(cols, name)
	}
	return cols
}

// EnsureTable creates the destination table if absent, one TEXT column per
// header field. CREATE TABLE IF NOT EXISTS makes this a no-op when the table
// already exists, including under concurrent invocations.
func EnsureTable(ctx context.Context, db DB, name string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("ensure table %s: no columns", name)
	}

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgdb.Identifier(c) + " TEXT"
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgdb.Identifier(name), strings.Join(defs, ", "))

	if _, err := db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure table %s: %w", name, err)
	}
	return nil
}
