// Package config loads the two host-side YAML configuration files
// (cmd/vaultd's VaultConfig and cmd/syncserverd's ServerConfig), in the
// same KnownFields(true)-decoder-plus-Validate idiom the teacher's
// sdmconfig tool uses: unknown YAML keys are a load error, not a silent
// typo, and validation is a method callers run explicitly after load.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VaultConfig configures cmd/vaultd: the local store path, the bridge
// socket name, and the sync client's default server.
type VaultConfig struct {
	StorePath    string `yaml:"store_path"`
	BridgeSocket string `yaml:"bridge_socket"`
	SessionPath  string `yaml:"session_path"`
	SyncBaseURL  string `yaml:"sync_base_url"`
	LogFormat    string `yaml:"log_format"`
}

// LoadVaultConfig reads and validates a VaultConfig from path.
func LoadVaultConfig(path string) (*VaultConfig, error) {
	var cfg VaultConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces VaultConfig's required fields.
func (c *VaultConfig) Validate() error {
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("config.store_path is required")
	}
	if strings.TrimSpace(c.BridgeSocket) == "" {
		return fmt.Errorf("config.bridge_socket is required")
	}
	if strings.TrimSpace(c.SessionPath) == "" {
		return fmt.Errorf("config.session_path is required")
	}
	if c.SyncBaseURL != "" {
		if err := validateAbsoluteURL(c.SyncBaseURL, "config.sync_base_url"); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config.log_format must be \"text\" or \"json\"")
	}
	return nil
}

// ServerConfig configures cmd/syncserverd: the Postgres DSN, the HTTP
// listen address, and token lifetimes.
type ServerConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	DatabaseURL       string `yaml:"database_url"`
	JWTSecret         string `yaml:"jwt_secret"`
	AccessTokenTTLMin int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLHr int    `yaml:"refresh_token_ttl_hours"`
	LogFormat         string `yaml:"log_format"`
}

// LoadServerConfig reads and validates a ServerConfig from path.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces ServerConfig's required fields and sane token TTL
// defaults.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("config.listen_addr is required")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config.database_url is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("config.jwt_secret must be at least 16 bytes")
	}
	if c.AccessTokenTTLMin <= 0 {
		c.AccessTokenTTLMin = 15
	}
	if c.RefreshTokenTTLHr <= 0 {
		c.RefreshTokenTTLHr = 24 * 30
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config.log_format must be \"text\" or \"json\"")
	}
	return nil
}

func decodeFile(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func validateAbsoluteURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be absolute (include scheme and host)", field)
	}
	return nil
}
