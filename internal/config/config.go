package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level keygate configuration file.
type YAMLConfig struct {
	Server  ServerConfig        `yaml:"server"`
	Auth    AuthConfig          `yaml:"auth"`
	Store   StoreConfig         `yaml:"store"`
	Scopes  map[string][]string `yaml:"scopes,omitempty"`
	Logging LoggingConfig       `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// AuthConfig controls credential handling.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	SessionTTL   string `yaml:"session_ttl"`
	APIKeyHeader string `yaml:"api_key_header"`
	KeyPrefix    string `yaml:"key_prefix"`
}

// StoreConfig selects the persistence backend. Driver is one of sqlite,
// postgres, mysql. For sqlite the DSN may be a directory, a file path, or
// empty for in-memory.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses a YAML configuration file. Environment variables
// referenced as ${VAR_NAME} in the file are expanded before parsing.
func Load(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a YAMLConfig pre-filled with sensible defaults.
func Default() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PATCH", "DELETE"},
			},
		},
		Auth: AuthConfig{
			SessionTTL:   "1h",
			APIKeyHeader: "X-API-Key",
			KeyPrefix:    "folio_",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefault writes the default configuration to a YAML file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
