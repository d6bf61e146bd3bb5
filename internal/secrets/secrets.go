// Package secrets resolves database credentials from AWS Secrets Manager.
//
// The resolver caches the parsed credential set for the lifetime of the
// process so warm invocations skip the Secrets Manager round trip. The cache
// is invalidated explicitly when the database rejects the credentials (e.g.
// after a rotation), forcing a re-fetch on the next attempt.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"csvingest/internal/logctx"
)

var (
	// ErrSecretNotFound indicates the named secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretMalformed indicates the secret exists but its payload is not
	// a usable credential set.
	ErrSecretMalformed = errors.New("secret malformed")
)

// Credentials holds a database connection credential set.
// Held only in memory; never persisted.
type Credentials struct {
	Host     string
	Port     int
	DBName   string
	Username string
	Password string
}

// API is the subset of the Secrets Manager client used by the resolver.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewClient creates a Secrets Manager client using default AWS configuration.
func NewClient(ctx context.Context) (*secretsmanager.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// Resolver fetches and caches one credential set.
type Resolver struct {
	client     API
	secretName string

	mu     sync.Mutex
	cached *Credentials
}

// NewResolver creates a resolver for the named secret.
func NewResolver(client API, secretName string) *Resolver {
	return &Resolver{client: client, secretName: secretName}
}

// Resolve returns the credential set, fetching it from Secrets Manager on
// first use and serving the cached copy afterwards. No retries: a fetch
// failure aborts the invocation and the notification stays on the queue.
func (r *Resolver) Resolve(ctx context.Context) (Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return *r.cached, nil
	}

	logger := logctx.FromContext(ctx)
	logger.Debug().Str("secret_name", r.secretName).Msg("fetching database credentials")

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.secretName),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return Credentials{}, fmt.Errorf("get secret %s: %w", r.secretName, ErrSecretNotFound)
		}
		return Credentials{}, fmt.Errorf("get secret %s: %w", r.secretName, err)
	}
	if out.SecretString == nil {
		return Credentials{}, fmt.Errorf("secret %s has no string payload: %w", r.secretName, ErrSecretMalformed)
	}

	creds, err := parseCredentials(*out.SecretString)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse secret %s: %w", r.secretName, err)
	}

	r.cached = &creds
	return creds, nil
}

// Invalidate drops the cached credential set so the next Resolve re-fetches.
// Called when the database rejects the cached credentials.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

// parseCredentials decodes the secret payload. The port may arrive as a JSON
// number or a string depending on how the secret was created.
func parseCredentials(payload string) (Credentials, error) {
	var raw struct {
		Host     string      `json:"host"`
		Port     json.Number `json:"port"`
		DBName   string      `json:"dbname"`
		Username string      `json:"username"`
		Password string      `json:"password"`
	}

	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrSecretMalformed, err)
	}

	port, err := strconv.Atoi(raw.Port.String())
	if err != nil || port <= 0 {
		return Credentials{}, fmt.Errorf("%w: invalid port %q", ErrSecretMalformed, raw.Port.String())
	}
	if raw.Host == "" || raw.DBName == "" || raw.Username == "" {
		return Credentials{}, fmt.Errorf("%w: missing host, dbname, or username", ErrSecretMalformed)
	}

	return Credentials{
		Host:     raw.Host,
		Port:     port,
		DBName:   raw.DBName,
		Username: raw.Username,
		Password: raw.Password,
	}, nil
}
