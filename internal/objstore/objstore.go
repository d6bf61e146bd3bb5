// Package objstore provides streaming reads of source files from S3.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	// ErrObjectNotFound indicates the object does not exist in the bucket.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectAccessDenied indicates the caller lacks permission to read
	// the object.
	ErrObjectAccessDenied = errors.New("object access denied")
)

// API is the subset of the S3 client used by the reader.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides S3 operations for fetching source files.
type Client struct {
	s3Client API
}

// NewClient creates a new S3 client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Client{s3Client: s3.NewFromConfig(cfg)}, nil
}

// NewClientWithAPI creates a client from an existing S3 API implementation.
func NewClientWithAPI(api API) *Client {
	return &Client{s3Client: api}
}

// Object is an open source file: a streaming body plus its byte size.
// The caller owns Body and must close it.
type Object struct {
	Body io.ReadCloser
	Size int64
}

// Open returns a streaming reader for an S3 object along with its size.
// The object is never buffered in full; Body reads directly from the
// response stream.
func (c *Client) Open(ctx context.Context, bucket, key string) (*Object, error) {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, classify(err))
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return &Object{Body: resp.Body, Size: size}, nil
}

// classify maps S3 API errors onto the package's sentinel errors, keeping
// the original error in the chain.
func classify(err error) error {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
		case "AccessDenied":
			return fmt.Errorf("%w: %v", ErrObjectAccessDenied, err)
		}
	}
	return err
}
