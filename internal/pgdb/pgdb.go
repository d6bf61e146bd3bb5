// Package pgdb wraps pgx with the small transactional surface the ingestion
// pipeline needs: Exec, QueryRow, streaming COPY FROM STDIN, and
// commit/rollback. Keeping the surface narrow lets the pipeline be tested
// against in-memory fakes.
package pgdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"csvingest/internal/secrets"
)

// Tx is one database transaction. All registry and load operations for a
// single notification run inside one Tx so the data load and the registry
// insert become visible together.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// CopyFrom streams r into the connection as the data portion of a
	// COPY ... FROM STDIN statement. Memory use is bounded by the protocol
	// buffer, not by the stream length.
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is an open database connection.
type Session struct {
	conn *pgx.Conn
}

// Connect opens a connection using the given credential set. The attempt is
// bounded by timeout.
func Connect(ctx context.Context, creds secrets.Credentials, timeout time.Duration) (*Session, error) {
	cfg, err := buildConfig(creds, timeout)
	if err != nil {
		return nil, err
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d/%s: %w", creds.Host, creds.Port, creds.DBName, err)
	}
	return &Session{conn: conn}, nil
}

// buildConfig assembles a pgx connection config from a credential set.
func buildConfig(creds secrets.Credentials, timeout time.Duration) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	cfg.Host = creds.Host
	cfg.Port = uint16(creds.Port)
	cfg.Database = creds.DBName
	cfg.User = creds.Username
	cfg.Password = creds.Password
	cfg.ConnectTimeout = timeout
	return cfg, nil
}

// Begin starts a transaction.
func (s *Session) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgxTx{tx: tx}, nil
}

// Close closes the underlying connection.
func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// pgxTx adapts pgx.Tx to the Tx interface.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	// The COPY runs on the transaction's connection, inside the
	// transaction.
	return t.tx.Conn().PgConn().CopyFrom(ctx, r, sql)
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsAuthError reports whether err is an authentication or authorization
// failure (SQLSTATE class 28), e.g. a stale password after rotation.
func IsAuthError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28")
}

// IsUndefinedTable reports whether err is an undefined-table error
// (SQLSTATE 42P01), typically a target table dropped out from under a load.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// Identifier returns the quoted form of a table or column name, safe for
// interpolation into DDL and COPY statements.
func Identifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
