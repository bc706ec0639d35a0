// Package config loads tunneld server configuration.
//
// Configuration is environment-first: a .env file is honoured when present,
// process environment always wins, and an optional YAML file supplies
// defaults below both. JWT_SECRET is mandatory; everything else has a
// working default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	BaseURL      string `yaml:"base_url"`
	JWTSecret    string `yaml:"jwt_secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// RequestTimeout is environment-only (REQUEST_TIMEOUT, e.g. "10s").
	RequestTimeout time.Duration `yaml:"-"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" or "postgres"; inferred from URL when empty
	URL  string `yaml:"url"`
}

// Load builds the configuration. path may be empty; when set it names a YAML
// file whose values sit below the environment.
func Load(path string) (*Config, error) {
	// .env is optional; containers pass the environment directly.
	_ = godotenv.Load()

	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.RequestTimeout = d
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("DB_TYPE"); v != "" {
		c.Database.Type = v
	}
}

func (c *Config) validate() error {
	c.Server.JWTSecret = strings.TrimSpace(c.Server.JWTSecret)
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Database.URL == "" {
		c.Database.URL = "./tunneld.db"
	}
	if c.Database.Type == "" {
		if strings.HasPrefix(c.Database.URL, "postgres://") ||
			strings.HasPrefix(c.Database.URL, "postgresql://") {
			c.Database.Type = "postgres"
		} else {
			c.Database.Type = "sqlite"
		}
	}
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return nil
}
