package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVaultConfig(t *testing.T) {
	path := writeTemp(t, "vaultd.yaml", `
store_path: /tmp/vault.db
bridge_socket: vaultd.sock
session_path: /tmp/session.enc
sync_base_url: https://sync.example.com
`)
	cfg, err := LoadVaultConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorePath != "/tmp/vault.db" {
		t.Fatalf("unexpected store path: %+v", cfg)
	}
}

func TestLoadVaultConfigRejectsUnknownField(t *testing.T) {
	path := writeTemp(t, "vaultd.yaml", `
store_path: /tmp/vault.db
bridge_socket: vaultd.sock
session_path: /tmp/session.enc
bogus_field: true
`)
	if _, err := LoadVaultConfig(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadVaultConfigMissingRequired(t *testing.T) {
	path := writeTemp(t, "vaultd.yaml", `bridge_socket: vaultd.sock`)
	if _, err := LoadVaultConfig(path); err == nil {
		t.Fatal("expected error for missing store_path")
	}
}

func TestLoadServerConfigDefaultsTTLs(t *testing.T) {
	path := writeTemp(t, "syncserverd.yaml", `
listen_addr: ":8080"
database_url: "postgres://localhost/cardvault"
jwt_secret: "0123456789abcdef"
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AccessTokenTTLMin != 15 {
		t.Fatalf("expected default access token ttl, got %d", cfg.AccessTokenTTLMin)
	}
	if cfg.RefreshTokenTTLHr != 24*30 {
		t.Fatalf("expected default refresh token ttl, got %d", cfg.RefreshTokenTTLHr)
	}
}

func TestLoadServerConfigRejectsShortSecret(t *testing.T) {
	path := writeTemp(t, "syncserverd.yaml", `
listen_addr: ":8080"
database_url: "postgres://localhost/cardvault"
jwt_secret: "short"
`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("expected error for short jwt_secret")
	}
}
