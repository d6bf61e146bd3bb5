// Package queue handles the SQS side of ingestion: decoding S3 event
// notifications out of message bodies, deleting messages once their file is
// durably recorded, and long-polling for the standalone worker.
//
// Redelivery, backoff, and dead-letter routing are queue configuration, not
// code: a message that is never deleted becomes visible again after the
// visibility timeout and lands on the DLQ after the redrive limit.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrBadNotification indicates a message body that is not a well-formed S3
// event notification. Such messages are poison as far as this consumer is
// concerned; they are logged and left for the queue's redrive policy.
var ErrBadNotification = errors.New("malformed notification")

// Notification identifies one newly created source file.
type Notification struct {
	Bucket string
	Key    string
	Size   int64
}

// String renders the notification as an s3:// URL for logs.
func (n Notification) String() string {
	return fmt.Sprintf("s3://%s/%s", n.Bucket, n.Key)
}

// ParseBody decodes the S3 event JSON embedded in an SQS message body.
// Only the first record is used; S3 sends one record per event.
func ParseBody(body string) (Notification, error) {
	var ev events.S3Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	if len(ev.Records) == 0 {
		return Notification{}, fmt.Errorf("%w: no records", ErrBadNotification)
	}

	rec := ev.Records[0]
	if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
		return Notification{}, fmt.Errorf("%w: missing bucket or key", ErrBadNotification)
	}

	// S3 URL-encodes object keys in event payloads (spaces become '+').
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: undecodable key %q", ErrBadNotification, rec.S3.Object.Key)
	}

	return Notification{
		Bucket: rec.S3.Bucket.Name,
		Key:    key,
		Size:   rec.S3.Object.Size,
	}, nil
}

// API is the subset of the SQS client used by this package.
type API interface {
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

// NewClient creates an SQS client using default AWS configuration.
func NewClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// Acknowledger deletes messages from the ingestion queue. Deletion is the
// acknowledgment: it happens only after the processed-file record is durable,
// so a crash between record and delete costs at most one redelivered no-op.
type Acknowledger struct {
	client   API
	queueURL string
}

// NewAcknowledger creates an Acknowledger for the given queue.
func NewAcknowledger(client API, queueURL string) *Acknowledger {
	return &Acknowledger{client: client, queueURL: queueURL}
}

// Ack deletes the message identified by receiptHandle.
func (a *Acknowledger) Ack(ctx context.Context, receiptHandle string) error {
	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Poller long-polls the ingestion queue for the standalone worker binary.
type Poller struct {
	client   API
	queueURL string
}

// NewPoller creates a Poller for the given queue.
func NewPoller(client API, queueURL string) *Poller {
	return &Poller{client: client, queueURL: queueURL}
}

// Receive waits up to 20 seconds for one message. Returns nil when the wait
// elapses with nothing to do. One message at a time: the pipeline processes
// one notification per invocation.
func (p *Poller) Receive(ctx context.Context) (*sqstypes.Message, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	return &out.Messages[0], nil
}
