// Package config loads runtime configuration from the environment.
//
// Both entrypoints (the Lambda handler and the queue poller) read the same
// variables, matching how the ingestion service is deployed: the secret name,
// the queue URL, and the registry table name are wiring decisions made by the
// deployment, not by the code.
package config

import (
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
)

// Config holds all environment-derived settings.
type Config struct {
	// SecretName identifies the Secrets Manager secret holding the
	// database credentials.
	SecretName string `env:"SECRET_NAME,required=true"`

	// QueueURL is the SQS queue delivering S3 object-created notifications.
	QueueURL string `env:"SQS_QUEUE_URL,required=true"`

	// RegistryTable is the name of the processed-files registry table.
	RegistryTable string `env:"PROCESSED_FILES_TABLE,default=processed_files"`

	// ConnectTimeoutSeconds bounds the database connection attempt.
	ConnectTimeoutSeconds int `env:"DB_CONNECT_TIMEOUT_SECONDS,default=10"`

	// LogLevel selects the zerolog level ("debug", "info", ...).
	LogLevel string `env:"LOG_LEVEL,default=info"`

	Extras env.EnvSet
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	es, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load environment config: %w", err)
	}
	cfg.Extras = es
	return cfg, nil
}

// ConnectTimeout returns the database connect timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}
