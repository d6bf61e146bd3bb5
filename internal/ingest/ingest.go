// Package ingest coordinates the processing of one file notification.
//
// The pipeline for a notification: resolve credentials, check the registry,
// provision tables, stream the file into the destination table, record
// completion, acknowledge the message. Check, provision, load, and record all
// run inside one database transaction, so the data and its registry row
// become visible together and a failure anywhere rolls back everything.
// Acknowledgment happens last: a crash after commit but before the delete
// costs one redelivered notification, which the registry check turns into a
// no-op.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"csvingest/internal/humanfmt"
	"csvingest/internal/loader"
	"csvingest/internal/logctx"
	"csvingest/internal/objstore"
	"csvingest/internal/pgdb"
	"csvingest/internal/provision"
	"csvingest/internal/queue"
	"csvingest/internal/registry"
	"csvingest/internal/secrets"
	"csvingest/internal/tablename"
)

// Outcome describes how a notification was resolved.
type Outcome string

const (
	// OutcomeLoaded means the file was loaded and recorded.
	OutcomeLoaded Outcome = "loaded"

	// OutcomeSkipped means the file was already recorded; nothing was
	// written. A successful no-op.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports a successfully resolved notification.
type Result struct {
	Outcome     Outcome
	TargetTable string
	RowsCopied  int64
	Duration    time.Duration
}

// CredentialSource yields database credentials. Implemented by
// secrets.Resolver.
type CredentialSource interface {
	Resolve(ctx context.Context) (secrets.Credentials, error)
	Invalidate()
}

// ObjectStore opens source files. Implemented by objstore.Client.
type ObjectStore interface {
	Open(ctx context.Context, bucket, key string) (*objstore.Object, error)
}

// Database is an open connection that can start transactions. Implemented by
// pgdb.Session.
type Database interface {
	Begin(ctx context.Context) (pgdb.Tx, error)
	Close(ctx context.Context) error
}

// Connector opens a database connection from a credential set.
type Connector func(ctx context.Context, creds secrets.Credentials) (Database, error)

// Acknowledger removes a handled message from the queue. Implemented by
// queue.Acknowledger.
type Acknowledger interface {
	Ack(ctx context.Context, receiptHandle string) error
}

// Coordinator processes file notifications one at a time. It holds no state
// between notifications; everything durable lives in the database.
type Coordinator struct {
	Credentials   CredentialSource
	Store         ObjectStore
	Connect       Connector
	Ack           Acknowledger
	RegistryTable string
}

// Process handles one notification end to end. On success the message is
// deleted from the queue. On any error the message is left in place and the
// queue's redelivery policy decides what happens next; Process never retries
// internally.
func (c *Coordinator) Process(ctx context.Context, n queue.Notification, receiptHandle string) (Result, error) {
	ctx = logctx.WithStr(ctx, "bucket", n.Bucket)
	ctx = logctx.WithStr(ctx, "key", n.Key)
	logger := logctx.FromContext(ctx)

	table, err := tablename.FromKey(n.Key)
	if err != nil {
		return Result{}, c.fail(ctx, "derive_table", err)
	}
	ctx = logctx.WithStr(ctx, "table", table)
	logger = logctx.FromContext(ctx)

	creds, err := c.Credentials.Resolve(ctx)
	if err != nil {
		return Result{}, c.fail(ctx, "resolve_credentials", err)
	}

	db, err := c.Connect(ctx, creds)
	if err != nil {
		if pgdb.IsAuthError(err) {
			// Likely a rotated password; drop the cache so the next
			// attempt fetches fresh credentials.
			c.Credentials.Invalidate()
		}
		return Result{}, c.fail(ctx, "connect_database", err)
	}
	defer db.Close(ctx)

	tx, err := db.Begin(ctx)
	if err != nil {
		return Result{}, c.fail(ctx, "begin_transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := registry.EnsureSchema(ctx, tx, c.RegistryTable); err != nil {
		return Result{}, c.fail(ctx, "ensure_registry", err)
	}

	processed, err := registry.IsProcessed(ctx, tx, c.RegistryTable, n.Bucket, n.Key)
	if err != nil {
		return Result{}, c.fail(ctx, "check_registry", err)
	}
	if processed {
		if err := tx.Commit(ctx); err != nil {
			return Result{}, c.fail(ctx, "commit", err)
		}
		committed = true
		logger.Info().Msg("file already processed, skipping")
		return c.acknowledge(ctx, Result{Outcome: OutcomeSkipped, TargetTable: table}, receiptHandle)
	}

	obj, err := c.Store.Open(ctx, n.Bucket, n.Key)
	if err != nil {
		return Result{}, c.fail(ctx, "open_object", err)
	}
	defer obj.Body.Close()

	cols, stream, err := provision.PeekHeader(obj.Body)
	if err != nil {
		return Result{}, c.fail(ctx, "read_header", err)
	}

	if err := provision.EnsureTable(ctx, tx, table, cols); err != nil {
		return Result{}, c.fail(ctx, "ensure_table", err)
	}

	loaded, err := loader.Copy(ctx, tx, stream, table)
	if err != nil {
		return Result{}, c.fail(ctx, "load", err)
	}

	rec := registry.Record{
		Bucket:        n.Bucket,
		Key:           n.Key,
		TargetTable:   table,
		Duration:      loaded.Duration,
		RowsCopied:    loaded.RowsCopied,
		FileSizeBytes: obj.Size,
	}
	if err := registry.RecordSuccess(ctx, tx, c.RegistryTable, rec); err != nil {
		if errors.Is(err, registry.ErrAlreadyRecorded) {
			// A racing invocation recorded this file first. Roll back our
			// duplicate load and treat the file as processed.
			_ = tx.Rollback(ctx)
			logger.Warn().Msg("lost registry race, discarding duplicate load")
			return c.acknowledge(ctx, Result{Outcome: OutcomeSkipped, TargetTable: table}, receiptHandle)
		}
		return Result{}, c.fail(ctx, "record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, c.fail(ctx, "commit", err)
	}
	committed = true

	logger.Info().
		Int64("rows_copied", loaded.RowsCopied).
		Str("file_size", humanfmt.Bytes(obj.Size)).
		Str("duration", humanfmt.Duration(loaded.Duration)).
		Str("throughput", humanfmt.Throughput(obj.Size, loaded.Duration)).
		Msg("file loaded")

	return c.acknowledge(ctx, Result{
		Outcome:     OutcomeLoaded,
		TargetTable: table,
		RowsCopied:  loaded.RowsCopied,
		Duration:    loaded.Duration,
	}, receiptHandle)
}

// acknowledge deletes the message. By this point the outcome is durable; an
// ack failure only means the notification comes back later and short-circuits
// on the registry.
func (c *Coordinator) acknowledge(ctx context.Context, res Result, receiptHandle string) (Result, error) {
	if err := c.Ack.Ack(ctx, receiptHandle); err != nil {
		return Result{}, c.fail(ctx, "acknowledge", err)
	}
	return res, nil
}

// fail logs the failure with the stage reached and wraps the error with it.
func (c *Coordinator) fail(ctx context.Context, stage string, err error) error {
	logger := logctx.FromContext(ctx)
	logger.Error().
		Str("stage", stage).
		Err(err).
		Msg("ingestion failed")
	return fmt.Errorf("%s: %w", stage, err)
}
