package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type fakeSecretsAPI struct {
	payload string
	err     error
	calls   int
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.payload)}, nil
}

const validPayload = `{"host":"db.internal","port":5432,"dbname":"ingest","username":"loader","password":"hunter2"}`

func TestResolve(t *testing.T) {
	api := &fakeSecretsAPI{payload: validPayload}
	r := NewResolver(api, "db-creds")

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if creds.Host != "db.internal" || creds.Port != 5432 || creds.DBName != "ingest" ||
		creds.Username != "loader" || creds.Password != "hunter2" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestResolve_CachesAcrossCalls(t *testing.T) {
	api := &fakeSecretsAPI{payload: validPayload}
	r := NewResolver(api, "db-creds")

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background()); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}

	if api.calls != 1 {
		t.Errorf("GetSecretValue called %d times, want 1", api.calls)
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	api := &fakeSecretsAPI{payload: validPayload}
	r := NewResolver(api, "db-creds")

	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.Invalidate()
	if _, err := r.Resolve(context.Background()); err != nil {
		t.Fatalf("Resolve after Invalidate: %v", err)
	}

	if api.calls != 2 {
		t.Errorf("GetSecretValue called %d times, want 2", api.calls)
	}
}

func TestResolve_NotFound(t *testing.T) {
	api := &fakeSecretsAPI{err: &types.ResourceNotFoundException{}}
	r := NewResolver(api, "missing")

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("error = %v, want ErrSecretNotFound", err)
	}
}

func TestResolve_StringPort(t *testing.T) {
	api := &fakeSecretsAPI{payload: `{"host":"h","port":"5432","dbname":"d","username":"u","password":"p"}`}
	r := NewResolver(api, "db-creds")

	creds, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if creds.Port != 5432 {
		t.Errorf("Port = %d, want 5432", creds.Port)
	}
}

func TestResolve_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "nope"},
		{"missing host", `{"port":5432,"dbname":"d","username":"u","password":"p"}`},
		{"bad port", `{"host":"h","port":"eighty","dbname":"d","username":"u","password":"p"}`},
		{"zero port", `{"host":"h","port":0,"dbname":"d","username":"u","password":"p"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeSecretsAPI{payload: tt.payload}
			r := NewResolver(api, "db-creds")

			_, err := r.Resolve(context.Background())
			if !errors.Is(err, ErrSecretMalformed) {
				t.Errorf("error = %v, want ErrSecretMalformed", err)
			}
			// A malformed secret must not be cached.
			_, err = r.Resolve(context.Background())
			if err == nil {
				t.Error("expected second Resolve to fail as well")
			}
		})
	}
}
