package pgdb

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"csvingest/internal/secrets"
)

func TestBuildConfig(t *testing.T) {
	creds := secrets.Credentials{
		Host:     "db.internal",
		Port:     5433,
		DBName:   "ingest",
		Username: "loader",
		Password: "p@ss word",
	}

	cfg, err := buildConfig(creds, 10*time.Second)
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}

	if cfg.Host != "db.internal" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != 5433 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Database != "ingest" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.User != "loader" {
		t.Errorf("User = %q", cfg.User)
	}
	if cfg.Password != "p@ss word" {
		t.Errorf("Password = %q", cfg.Password)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	if !IsUniqueViolation(unique) {
		t.Error("expected 23505 to be a unique violation")
	}
	if !IsUniqueViolation(fmt.Errorf("insert registry row: %w", unique)) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign-key violation should not match")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error should not match")
	}
}

func TestIsAuthError(t *testing.T) {
	for _, code := range []string{"28000", "28P01"} {
		if !IsAuthError(&pgconn.PgError{Code: code}) {
			t.Errorf("expected %s to be an auth error", code)
		}
	}
	if IsAuthError(&pgconn.PgError{Code: "42P01"}) {
		t.Error("undefined table should not be an auth error")
	}
	if IsAuthError(errors.New("plain")) {
		t.Error("plain error should not match")
	}
}

func TestIsUndefinedTable(t *testing.T) {
	if !IsUndefinedTable(&pgconn.PgError{Code: "42P01"}) {
		t.Error("expected 42P01 to match")
	}
	if IsUndefinedTable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation should not match")
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", `"orders"`},
		{`evil"name`, `"evil""name"`},
	}

	for _, tt := range tests {
		if got := Identifier(tt.in); got != tt.want {
			t.Errorf("Identifier(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
