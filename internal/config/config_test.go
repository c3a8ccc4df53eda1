package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yaml")

	content := `
server:
  port: 9090
auth:
  jwt_secret: ${KEYGATE_TEST_SECRET}
  key_prefix: acme_
store:
  driver: postgres
  dsn: postgres://localhost/keys
scopes:
  reports: [read]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYGATE_TEST_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	// Unset fields keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt secret = %q, want env expansion", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.KeyPrefix != "acme_" {
		t.Errorf("key prefix = %q", cfg.Auth.KeyPrefix)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("api key header = %q, want default", cfg.Auth.APIKeyHeader)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if len(cfg.Scopes["reports"]) != 1 || cfg.Scopes["reports"][0] != "read" {
		t.Errorf("scopes = %v", cfg.Scopes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/keygate.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load round trip: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Auth.KeyPrefix != "folio_" {
		t.Errorf("round trip defaults: %+v", cfg)
	}
}
