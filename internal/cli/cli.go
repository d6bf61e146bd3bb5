// Package cli implements the command-line interface for the standalone
// ingestion worker. The worker long-polls the notification queue and runs
// each message through the same coordinator the Lambda entrypoint uses.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"csvingest/internal/config"
	"csvingest/internal/ingest"
	"csvingest/internal/logctx"
	"csvingest/internal/objstore"
	"csvingest/internal/pgdb"
	"csvingest/internal/queue"
	"csvingest/internal/secrets"
)

// Run executes the worker with the given arguments.
func Run(args []string) error {
	fs := flag.NewFlagSet("csvingest-poller", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	human := fs.Bool("human", false, "human-friendly console log output")
	once := fs.Bool("once", false, "process at most one message, then exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logctx.NewConfiguredLogger(*debug, *human)
	logctx.SetDefaultLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logctx.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	coord, poller, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	return poll(ctx, cfg, coord, poller, *once)
}

// build wires the coordinator and poller from AWS clients.
func build(ctx context.Context, cfg config.Config) (*ingest.Coordinator, *queue.Poller, error) {
	sqsClient, err := queue.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create SQS client: %w", err)
	}
	s3Client, err := objstore.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create S3 client: %w", err)
	}
	smClient, err := secrets.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create Secrets Manager client: %w", err)
	}

	coord := &ingest.Coordinator{
		Credentials: secrets.NewResolver(smClient, cfg.SecretName),
		Store:       s3Client,
		Connect: func(ctx context.Context, creds secrets.Credentials) (ingest.Database, error) {
			session, err := pgdb.Connect(ctx, creds, cfg.ConnectTimeout())
			if err != nil {
				return nil, err
			}
			return session, nil
		},
		Ack:           queue.NewAcknowledger(sqsClient, cfg.QueueURL),
		RegistryTable: cfg.RegistryTable,
	}
	return coord, queue.NewPoller(sqsClient, cfg.QueueURL), nil
}

// poll receives and processes messages until the context is cancelled.
// Receive errors back off exponentially; processing errors do not stop the
// loop, they just leave the message for redelivery.
func poll(ctx context.Context, cfg config.Config, coord *ingest.Coordinator, poller *queue.Poller, once bool) error {
	logger := logctx.FromContext(ctx)
	logger.Info().Str("queue_url", cfg.QueueURL).Msg("worker started")

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep retrying until shutdown

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopping")
			return nil
		}

		msg, err := poller.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			logger.Warn().Err(err).Dur("backoff", wait).Msg("receive failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		bo.Reset()

		if msg == nil {
			if once {
				return nil
			}
			continue
		}

		handle(ctx, coord, msg)

		if once {
			return nil
		}
	}
}

// handle runs one message through the coordinator. Failures are logged and
// swallowed: the message stays on the queue and SQS redelivery policy owns
// the retry schedule.
func handle(ctx context.Context, coord *ingest.Coordinator, msg *sqstypes.Message) {
	ctx = logctx.WithStr(ctx, "run_id", uuid.NewString())
	logger := logctx.FromContext(ctx)

	if msg.Body == nil || msg.ReceiptHandle == nil {
		logger.Error().Msg("message missing body or receipt handle")
		return
	}

	n, err := queue.ParseBody(*msg.Body)
	if err != nil {
		// Poison-shaped. Left undeleted; the queue redrive policy
		// quarantines it after the delivery limit.
		logger.Error().Err(err).Msg("unparseable notification left for redrive")
		return
	}

	if _, err := coord.Process(ctx, n, *msg.ReceiptHandle); err != nil {
		// Already logged with stage context by the coordinator.
		return
	}
}
