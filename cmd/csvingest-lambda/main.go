// Command csvingest-lambda is the AWS Lambda entrypoint for the ingestion
// service. SQS invokes it with batches of S3 object-created notifications;
// each file is loaded into Postgres exactly once and its message deleted.
//
// The handler always returns nil: per-record failures are logged and their
// messages left undeleted, so SQS redelivers them without re-driving the
// records that succeeded.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"csvingest/internal/config"
	"csvingest/internal/ingest"
	"csvingest/internal/logctx"
	"csvingest/internal/objstore"
	"csvingest/internal/pgdb"
	"csvingest/internal/queue"
	"csvingest/internal/secrets"
)

type handler struct {
	coord *ingest.Coordinator
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	logctx.SetDefaultLogger(logger)

	// Clients and the credential cache are built once per execution
	// environment and reused across warm invocations.
	ctx := logctx.WithLogger(context.Background(), logger)
	h, err := newHandler(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialization failed")
	}

	lambda.Start(h.handle)
}

func newHandler(ctx context.Context, cfg config.Config) (*handler, error) {
	sqsClient, err := queue.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create SQS client: %w", err)
	}
	s3Client, err := objstore.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	smClient, err := secrets.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create Secrets Manager client: %w", err)
	}

	return &handler{coord: &ingest.Coordinator{
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
	}}, nil
}

func (h *handler) handle(ctx context.Context, ev events.SQSEvent) error {
	ctx = logctx.WithLogger(ctx, logctx.DefaultLogger())
	ctx = logctx.WithStr(ctx, "run_id", uuid.NewString())
	logger := logctx.FromContext(ctx)

	for _, rec := range ev.Records {
		n, err := queue.ParseBody(rec.Body)
		if err != nil {
			// Poison-shaped message: log and leave it for the queue's
			// redrive policy to quarantine.
			logger.Error().Err(err).Str("message_id", rec.MessageId).Msg("unparseable notification")
			continue
		}

		if _, err := h.coord.Process(ctx, n, rec.ReceiptHandle); err != nil {
			// Logged with stage context by the coordinator. The message is
			// not deleted, so SQS will redeliver it.
			continue
		}
	}
	return nil
}
