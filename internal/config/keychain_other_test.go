//go:build !darwin

package config

import (
	"os"
	"testing"
)

func TestSetSecretRoundTrip(t *testing.T) {
	clearEnv(t)

	if err := SetSecret("sync.api_token", "s3cret"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if err := SetSecret("sync.postgres_dsn", "postgres://x"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if err := SetSecret("server.port", "1"); err == nil {
		t.Error("expected error for a non-secret key")
	}
	if err := SetSecret("nope", "1"); err == nil {
		t.Error("expected error for an unknown key")
	}

	got, err := keychainReader{}.Get(keychainService, "sync.api_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("token = %q, want s3cret", got)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file perm = %o, want 600", perm)
	}

	cfg, err := loadWith(writeTempConfig(t, ""), keychainReader{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Sync.APIToken != "s3cret" || cfg.Sync.PostgresDSN != "postgres://x" {
		t.Errorf("secrets not loaded: %+v", cfg.Sync)
	}
}
